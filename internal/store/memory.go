package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value    []byte
	deadline time.Time
}

// MemoryKV is an in-process KV with per-key expiry for local/dev use and tests.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source. Tests use this to exercise
// expiry without sleeping.
func (s *MemoryKV) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.deadline = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.entries {
		if !strings.HasPrefix(k, prefix) || s.expired(e) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryKV) Ping(context.Context) error { return nil }

func (s *MemoryKV) Close() error { return nil }

// StartJanitor periodically drops expired entries. Reads already filter by
// deadline, so this only bounds memory growth.
func (s *MemoryKV) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dropExpired()
			}
		}
	}()
}

func (s *MemoryKV) dropExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryKV) expired(e entry) bool {
	return !e.deadline.IsZero() && !s.now().Before(e.deadline)
}
