package store

import (
	"context"
	"strings"
)

// Open creates a Redis-backed store when an address is configured,
// otherwise an in-process store for local/dev use.
func Open(ctx context.Context, addr string, opts Options) (KV, error) {
	if strings.TrimSpace(addr) == "" {
		return NewMemoryKV(), nil
	}
	return OpenRedis(ctx, addr, opts)
}
