// Package registry maintains the agent directory in the shared store and
// answers health and capability lookups.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/antoniostano/switchboard/internal/store"
)

const keyPrefix = "agent:"

// StatusHealthy is the only status value that makes an agent routable.
const StatusHealthy = "healthy"

var ErrNotFound = errors.New("agent not found")

// AgentRecord describes one running backend agent instance.
type AgentRecord struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Port          int       `json:"port,omitempty"`
}

// Registry is a thin wrapper over the shared store. It never retries store
// failures; retry policy belongs to the caller.
type Registry struct {
	kv               store.KV
	heartbeatTimeout time.Duration
	now              func() time.Time
}

func New(kv store.KV, heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &Registry{
		kv:               kv,
		heartbeatTimeout: heartbeatTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the registry time source for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Eligible reports whether the record may receive session traffic right now.
// Staleness is a read-time filter; the registry never deletes stale entries.
func (r *Registry) Eligible(rec AgentRecord) bool {
	if rec.Status != StatusHealthy {
		return false
	}
	return r.now().Sub(rec.LastHeartbeat) < r.heartbeatTimeout
}

// Register unconditionally upserts the record, stamping its heartbeat.
// Status is stored exactly as given; the registry never infers health on
// the agent's behalf.
func (r *Registry) Register(ctx context.Context, rec AgentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("register: agent id is required")
	}
	rec.LastHeartbeat = r.now()
	return r.put(ctx, rec)
}

// Heartbeat refreshes the agent's liveness. Unknown agents are a silent
// no-op; callers must not depend on this signaling failure.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	rec, err := r.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.Status = StatusHealthy
	rec.LastHeartbeat = r.now()
	return r.put(ctx, *rec)
}

// Get returns the record without applying the eligibility filter.
func (r *Registry) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	data, ok, err := r.kv.Get(ctx, keyPrefix+agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var rec AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode agent %q: %w", agentID, err)
	}
	return &rec, nil
}

// ListAll returns every stored record regardless of eligibility.
func (r *Registry) ListAll(ctx context.Context) ([]AgentRecord, error) {
	keys, err := r.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]AgentRecord, 0, len(keys))
	for _, key := range keys {
		data, ok, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rec AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode agent key %q: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListHealthy returns the currently eligible records.
func (r *Registry) ListHealthy(ctx context.Context) ([]AgentRecord, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if r.Eligible(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FindByCapability returns the first eligible record advertising the
// capability. Selection among multiple matches is unspecified; callers
// needing load distribution implement it themselves.
func (r *Registry) FindByCapability(ctx context.Context, capability string) (*AgentRecord, error) {
	healthy, err := r.ListHealthy(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range healthy {
		if slices.Contains(rec.Capabilities, capability) {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

// Unregister unconditionally deletes the record.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	return r.kv.Delete(ctx, keyPrefix+agentID)
}

func (r *Registry) put(ctx context.Context, rec AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode agent %q: %w", rec.ID, err)
	}
	// Directory entries never expire on their own; staleness is read-time.
	return r.kv.Set(ctx, keyPrefix+rec.ID, data, 0)
}
