// Package sessionstore archives terminal sessions and their event logs.
//
// Live sessions never touch the store; the gateway archives a session exactly
// once, after it reaches a terminal status. Two implementations exist: a
// bounded in-memory ring (the default) and a PostgreSQL store for deployments
// that need durable history.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/solenlabs/toolrelay/internal/events"
)

// ErrNotFound is returned by Get for unknown session IDs.
var ErrNotFound = errors.New("sessionstore: session not found")

// Record is the archived form of one terminal session.
type Record struct {
	SessionID string         `json:"session_id"`
	Prompt    string         `json:"prompt"`
	Status    string         `json:"status"`
	Response  string         `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	Turns     int            `json:"turns"`
	CostUSD   float64        `json:"cost_usd"`
	ToolsUsed []string       `json:"tools_used,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Events    []events.Event `json:"events,omitempty"`
}

// Store archives terminal sessions. Implementations must be safe for
// concurrent use.
type Store interface {
	// Archive persists one terminal session. Archiving the same session ID
	// twice overwrites the earlier record.
	Archive(ctx context.Context, rec Record) error

	// Get returns the archived record for a session, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Close releases any resources held by the store.
	Close()
}
