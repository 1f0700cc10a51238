// Package router owns session record lifecycle in the shared store and
// resolves which healthy agent should handle a session, falling back to the
// default role when the assigned agent is gone.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/switchboard/internal/registry"
	"github.com/antoniostano/switchboard/internal/store"
)

const keyPrefix = "session:"

var ErrNotFound = errors.New("session not found")

// Memory is the open-ended conversation context attached to a session.
type Memory map[string]any

// SessionRecord represents one end-user conversation.
type SessionRecord struct {
	SessionID    string    `json:"sessionId"`
	CurrentAgent string    `json:"currentAgent"`
	StartTime    time.Time `json:"startTime"`
	LastActivity time.Time `json:"lastActivity"`
	Context      Memory    `json:"context"`
}

// Router reads and writes session records. Consistency relies on the
// gateway's single-writer-per-session discipline, not store-side
// transactions.
type Router struct {
	kv           store.KV
	agents       *registry.Registry
	defaultAgent string
	ttl          time.Duration
	now          func() time.Time
}

func New(kv store.KV, agents *registry.Registry, defaultAgent string, ttl time.Duration) *Router {
	if defaultAgent == "" {
		defaultAgent = "triage"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Router{
		kv:           kv,
		agents:       agents,
		defaultAgent: defaultAgent,
		ttl:          ttl,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the router time source for tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// DefaultAgent returns the configured fallback role.
func (r *Router) DefaultAgent() string { return r.defaultAgent }

// CreateSession writes a fresh record. An existing record with the same id is
// overwritten without complaint.
func (r *Router) CreateSession(ctx context.Context, sessionID, initialAgentID string) (*SessionRecord, error) {
	if initialAgentID == "" {
		initialAgentID = r.defaultAgent
	}
	now := r.now()
	rec := &SessionRecord{
		SessionID:    sessionID,
		CurrentAgent: initialAgentID,
		StartTime:    now,
		LastActivity: now,
		Context: Memory{
			"verified":  false,
			"lastAgent": initialAgentID,
		},
	}
	if err := r.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Router) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	data, ok, err := r.kv.Get(ctx, keyPrefix+sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", sessionID, err)
	}
	if rec.Context == nil {
		rec.Context = Memory{}
	}
	return &rec, nil
}

// RouteToAgent resolves the agent that should currently serve the session,
// applying the fallback policy and persisting any fallback rewrite.
func (r *Router) RouteToAgent(ctx context.Context, sessionID string) (*registry.AgentRecord, error) {
	rec, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	agent, fellBack, err := r.resolveWithFallback(ctx, rec)
	if err != nil {
		return nil, err
	}
	if fellBack {
		rec.CurrentAgent = agent.ID
		if err := r.put(ctx, rec); err != nil {
			return nil, err
		}
		log.Info().
			Str("session_id", sessionID).
			Str("agent_id", agent.ID).
			Msg("session fell back to default agent")
	}
	return agent, nil
}

// resolveWithFallback is the self-healing policy: the assigned agent when it
// is eligible, else the default role, else not-found. It never mutates the
// session; callers persist the rewrite.
func (r *Router) resolveWithFallback(ctx context.Context, rec *SessionRecord) (agent *registry.AgentRecord, fellBack bool, err error) {
	current, err := r.agents.Get(ctx, rec.CurrentAgent)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return nil, false, err
	}
	if current != nil && r.agents.Eligible(*current) {
		return current, false, nil
	}

	if rec.CurrentAgent == r.defaultAgent {
		return nil, false, ErrNotFound
	}
	fallback, err := r.agents.Get(ctx, r.defaultAgent)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, err
	}
	if !r.agents.Eligible(*fallback) {
		return nil, false, ErrNotFound
	}
	return fallback, true, nil
}

// TransferSession re-points the session at targetAgentID, merging the patch
// into its context. It fails closed: an absent session or an ineligible
// target leaves the record untouched and returns false.
func (r *Router) TransferSession(ctx context.Context, sessionID, targetAgentID string, patch Memory) (bool, error) {
	rec, err := r.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	target, err := r.agents.Get(ctx, targetAgentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !r.agents.Eligible(*target) {
		return false, nil
	}

	rec.CurrentAgent = targetAgentID
	mergeShallow(rec.Context, patch)
	if err := r.put(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateMemory shallow-merges the patch into the session context.
func (r *Router) UpdateMemory(ctx context.Context, sessionID string, patch Memory) (bool, error) {
	rec, err := r.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	mergeShallow(rec.Context, patch)
	if err := r.put(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Router) GetMemory(ctx context.Context, sessionID string) (Memory, error) {
	rec, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return rec.Context, nil
}

// DeleteSession unconditionally removes the record.
func (r *Router) DeleteSession(ctx context.Context, sessionID string) error {
	return r.kv.Delete(ctx, keyPrefix+sessionID)
}

// put persists the record, refreshing LastActivity and renewing the TTL.
func (r *Router) put(ctx context.Context, rec *SessionRecord) error {
	rec.LastActivity = r.now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", rec.SessionID, err)
	}
	return r.kv.Set(ctx, keyPrefix+rec.SessionID, data, r.ttl)
}

// mergeShallow overlays patch onto dst. A later write of the same top-level
// key always wins; nested values are replaced, never descended into.
func mergeShallow(dst, patch Memory) {
	for k, v := range patch {
		dst[k] = v
	}
}
