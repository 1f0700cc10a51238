package trace

import (
	"context"
	"time"
)

// Event kinds recorded on a session trace.
const (
	KindSessionStarted = "session_started"
	KindHandoff        = "handoff"
	KindSessionEnded   = "session_ended"
)

// Event is one recorded session or handoff occurrence.
type Event struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	FromAgent string         `json:"from_agent,omitempty"`
	ToAgent   string         `json:"to_agent,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	IsReturn  bool           `json:"is_return,omitempty"`
	Memory    map[string]any `json:"memory,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store archives trace events for later inspection.
type Store interface {
	Record(ctx context.Context, event Event) error
	Close() error
}
