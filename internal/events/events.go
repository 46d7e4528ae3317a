// Package events implements the per-session event stream.
//
// Each session owns an append-only event log. Events are strictly ordered by
// emission within a session; logs of different sessions are fully independent.
// Subscribers attached mid-session receive only events from that point forward
// — callers wanting history use Collect first.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind classifies one progress event.
type Kind string

const (
	KindStart      Kind = "start"
	KindReasoning  Kind = "reasoning"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindResponse   Kind = "response"
	KindDone       Kind = "done"
	KindError      Kind = "error"
)

// Event is one unit of session progress. Once emitted it is never retracted.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// stops draining loses events past this depth rather than stalling the
// emitting session.
const subscriberBuffer = 128

// Publisher owns the event logs of all live sessions.
// All methods are safe for concurrent use; per-session emission is expected to
// come from the single orchestrator goroutine owning that session.
type Publisher struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
	logger   *slog.Logger
}

type sessionLog struct {
	mu     sync.Mutex
	events []Event
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewPublisher creates an empty Publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sessions: make(map[string]*sessionLog),
		logger:   logger,
	}
}

func (p *Publisher) log(sessionID string, create bool) *sessionLog {
	p.mu.RLock()
	l, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if ok || !create {
		return l
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok = p.sessions[sessionID]; ok {
		return l
	}
	l = &sessionLog{subs: make(map[int]chan Event)}
	p.sessions[sessionID] = l
	return l
}

// Emit appends an event to the session's log and pushes it to any live
// subscribers. Emitting on a closed session is a no-op (logged at warn), so a
// terminal done/error event is always the last one observed.
func (p *Publisher) Emit(sessionID string, kind Kind, payload map[string]any) {
	l := p.log(sessionID, true)

	ev := Event{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		p.logger.Warn("event emitted after session close, dropping",
			"session_id", sessionID, "kind", kind)
		return
	}

	l.events = append(l.events, ev)
	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			p.logger.Warn("subscriber buffer full, dropping event",
				"session_id", sessionID, "kind", kind, "subscriber", id)
		}
	}
}

// Collect returns a copy of the session's full ordered event log. An unknown
// session yields an empty slice.
func (p *Publisher) Collect(sessionID string) []Event {
	l := p.log(sessionID, false)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Subscribe attaches a live subscriber to the session. The returned channel
// carries events emitted after this call only (no replay) and is closed when
// the session closes or when cancel is called. cancel is idempotent.
func (p *Publisher) Subscribe(sessionID string) (<-chan Event, func()) {
	l := p.log(sessionID, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}

	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Close marks the session terminal: subscriber channels are closed and further
// Emit calls are dropped. The collected log remains readable until Drop.
func (p *Publisher) Close(sessionID string) {
	l := p.log(sessionID, false)
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
}

// Drop removes the session's log entirely, releasing its memory. Call after
// the log has been collected (and archived, if configured).
func (p *Publisher) Drop(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}
