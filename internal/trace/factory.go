package trace

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed archive when configured, otherwise a
// no-op store; the tracing backend is optional by contract.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NopStore{}, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// NopStore discards events.
type NopStore struct{}

func (NopStore) Record(context.Context, Event) error { return nil }
func (NopStore) Close() error                        { return nil }
