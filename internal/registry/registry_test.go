package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/switchboard/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	kv := store.NewMemoryKV()
	reg := New(kv, 30*time.Second)
	now := time.Now().UTC()
	reg.SetClock(func() time.Time { return now })
	return reg, &now
}

func TestRegisterOverwritesAndStampsHeartbeat(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, AgentRecord{
		ID:           "triage",
		URL:          "http://localhost:9001",
		Status:       StatusHealthy,
		Capabilities: []string{"routing", "general"},
	}))

	rec, err := reg.Get(ctx, "triage")
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, rec.Status)
	require.False(t, rec.LastHeartbeat.IsZero())

	// Re-registration replaces the record wholesale, not a merge.
	require.NoError(t, reg.Register(ctx, AgentRecord{
		ID:  "triage",
		URL: "http://localhost:9002",
	}))
	rec, err = reg.Get(ctx, "triage")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9002", rec.URL)
	require.Empty(t, rec.Capabilities)
}

func TestRegisterStoresStatusAsGiven(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	// The registry does not invent a status for the agent; an empty one
	// stays empty and the agent stays out of the healthy set until it
	// says otherwise.
	require.NoError(t, reg.Register(ctx, AgentRecord{ID: "silent", URL: "http://localhost:9009"}))

	rec, err := reg.Get(ctx, "silent")
	require.NoError(t, err)
	require.Empty(t, rec.Status)

	healthy, err := reg.ListHealthy(ctx)
	require.NoError(t, err)
	require.Empty(t, healthy)

	// A heartbeat is the agent declaring itself healthy.
	require.NoError(t, reg.Heartbeat(ctx, "silent"))
	healthy, err = reg.ListHealthy(ctx)
	require.NoError(t, err)
	require.Len(t, healthy, 1)
}

func TestHeartbeatUnknownAgentIsNoOp(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Heartbeat(context.Background(), "ghost"))

	_, err := reg.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEligibilityInvariant(t *testing.T) {
	reg, now := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, AgentRecord{ID: "banking", URL: "http://localhost:9003", Status: StatusHealthy}))

	healthy, err := reg.ListHealthy(ctx)
	require.NoError(t, err)
	require.Len(t, healthy, 1)

	// Stale heartbeat drops the agent from the healthy set immediately.
	*now = now.Add(40 * time.Second)
	healthy, err = reg.ListHealthy(ctx)
	require.NoError(t, err)
	require.Empty(t, healthy)

	// The record itself survives; staleness never deletes.
	all, err := reg.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	// A fresh heartbeat restores eligibility.
	require.NoError(t, reg.Heartbeat(ctx, "banking"))
	healthy, err = reg.ListHealthy(ctx)
	require.NoError(t, err)
	require.Len(t, healthy, 1)
}

func TestUnhealthyStatusRemovesFromHealthySet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, AgentRecord{ID: "idv", URL: "http://localhost:9004", Status: "draining"}))

	healthy, err := reg.ListHealthy(ctx)
	require.NoError(t, err)
	require.Empty(t, healthy)
}

func TestFindByCapability(t *testing.T) {
	reg, now := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, AgentRecord{
		ID:           "banking",
		URL:          "http://localhost:9003",
		Status:       StatusHealthy,
		Capabilities: []string{"balance", "transactions"},
	}))
	require.NoError(t, reg.Register(ctx, AgentRecord{
		ID:           "mortgage",
		URL:          "http://localhost:9005",
		Status:       StatusHealthy,
		Capabilities: []string{"mortgage"},
	}))

	rec, err := reg.FindByCapability(ctx, "mortgage")
	require.NoError(t, err)
	require.Equal(t, "mortgage", rec.ID)

	_, err = reg.FindByCapability(ctx, "crypto")
	require.ErrorIs(t, err, ErrNotFound)

	// Ineligible agents never match a capability lookup.
	*now = now.Add(time.Minute)
	_, err = reg.FindByCapability(ctx, "mortgage")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnregister(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, AgentRecord{ID: "triage", URL: "http://localhost:9001"}))
	require.NoError(t, reg.Unregister(ctx, "triage"))

	_, err := reg.Get(ctx, "triage")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent agent is not an error.
	require.NoError(t, reg.Unregister(ctx, "triage"))
}
