package orchestrator

import (
	"errors"
	"fmt"
)

// Session-terminal sentinel errors. Tool-level failures never surface here;
// they are fed back to the backend as tool results and the session continues.
var (
	// ErrTimeout marks a session that exceeded its wall-clock budget.
	ErrTimeout = errors.New("session timed out")

	// ErrCancelled marks a session the caller cancelled before completion.
	ErrCancelled = errors.New("session cancelled")

	// ErrMaxTurns marks a session that exhausted its turn budget without a
	// final answer.
	ErrMaxTurns = errors.New("turn budget exhausted")
)

// BackendError wraps a failure of the reasoning backend itself. It is fatal
// to the session.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// errorKind maps a terminal error to the kind string reported in the final
// error event and aggregate result.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrMaxTurns):
		return "max_turns"
	default:
		var be *BackendError
		if errors.As(err, &be) {
			return "backend"
		}
		return "internal"
	}
}
