package orchestrator

import (
	"time"
)

// Status is the lifecycle state of a session. A session transitions to
// exactly one terminal status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session is one end-to-end handling of a single caller prompt. It is mutated
// only by its owning orchestrator goroutine; read it after Run returns.
type Session struct {
	ID              string
	Prompt          string
	TurnCount       int
	MaxTurns        int
	AccumulatedCost float64
	Status          Status
	StartedAt       time.Time
	EndedAt         time.Time

	// ToolsUsed lists distinct tool names invoked, in first-use order.
	ToolsUsed []string

	// Response holds the backend's final answer when Status is completed.
	Response string

	// Err holds the terminal error when Status is failed or cancelled.
	Err error
}

// markToolUsed records a tool name, deduplicating while preserving first-use
// order.
func (s *Session) markToolUsed(name string) {
	for _, n := range s.ToolsUsed {
		if n == name {
			return
		}
	}
	s.ToolsUsed = append(s.ToolsUsed, name)
}

// finish sets the terminal status exactly once.
func (s *Session) finish(status Status, err error) {
	if s.Status.Terminal() {
		return
	}
	s.Status = status
	s.Err = err
	s.EndedAt = time.Now()
}

// Elapsed is the session's wall-clock duration so far (or total, once
// terminal).
func (s *Session) Elapsed() time.Duration {
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}
