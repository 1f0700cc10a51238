package store

import (
	"context"
	"time"
)

// KV is the contract of the shared session/agent store: a low-latency
// key-value store with per-key expiry. A TTL of zero means no expiry.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tunes the startup connection behaviour of remote store backends.
type Options struct {
	Password        string
	ConnectAttempts int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}
