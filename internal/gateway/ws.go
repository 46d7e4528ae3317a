package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/solenlabs/toolrelay/internal/events"
	"github.com/solenlabs/toolrelay/internal/orchestrator"
)

// wsReadTimeout bounds the wait for the initial prompt message.
const wsReadTimeout = 30 * time.Second

// wsRequest is the first message a streaming client sends. Plain-text frames
// are accepted too and treated as the prompt.
type wsRequest struct {
	Prompt   string `json:"prompt"`
	MaxTurns int    `json:"max_turns,omitempty"`
}

// handleWS runs a streaming session: the client sends one prompt message and
// receives every session event as a JSON frame. The connection closes after
// the terminal event; closing it early cancels the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := readPrompt(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Add(ctx, 1)
		defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)
	}

	sessionID := uuid.NewString()
	// Subscribe before starting the run so no event is missed.
	sub, unsubscribe := s.publisher.Subscribe(sessionID)
	defer unsubscribe()

	opts := []orchestrator.RunOption{orchestrator.WithSessionID(sessionID)}
	if req.MaxTurns > 0 {
		opts = append(opts, orchestrator.WithRunMaxTurns(req.MaxTurns))
	}

	done := make(chan *orchestrator.Result, 1)
	go func() {
		result, _ := s.runner.Run(ctx, req.Prompt, opts...)
		done <- result
	}()

	// No further client frames are expected; a closed connection cancels the
	// session.
	readCtx := conn.CloseRead(ctx)
	go func() {
		<-readCtx.Done()
		cancel()
	}()

	logger := s.logger.With("session_id", sessionID)
	if writeErr := s.streamEvents(ctx, conn, sub); writeErr != nil {
		logger.Warn("event stream interrupted", "error", writeErr)
		cancel()
	}

	result := <-done
	s.archive(req.Prompt, result)
	logger.Info("streaming session finished", "status", result.Status, "turns", result.Turns)

	conn.Close(websocket.StatusNormalClosure, "session finished")
}

// readPrompt reads the initial client message. JSON objects carry prompt and
// optional max_turns; any other text frame is the prompt itself.
func readPrompt(ctx context.Context, conn *websocket.Conn) (*wsRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, wsReadTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Prompt == "" {
		req = wsRequest{Prompt: string(data)}
	}
	if req.Prompt == "" {
		return nil, errEmptyPrompt
	}
	return &req, nil
}

var errEmptyPrompt = errors.New("prompt must not be empty")

// streamEvents forwards session events to the client until the subscription
// channel closes after the terminal event.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, sub <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			// Drain until the publisher closes the channel; the session is
			// being cancelled and will emit its terminal event.
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		}
	}
}
