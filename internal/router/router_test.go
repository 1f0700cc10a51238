package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/switchboard/internal/registry"
	"github.com/antoniostano/switchboard/internal/store"
)

type fixture struct {
	kv     *store.MemoryKV
	agents *registry.Registry
	router *Router
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{kv: store.NewMemoryKV(), now: time.Now().UTC()}
	f.agents = registry.New(f.kv, 30*time.Second)
	f.router = New(f.kv, f.agents, "triage", time.Hour)
	clock := func() time.Time { return f.now }
	f.kv.SetClock(clock)
	f.agents.SetClock(clock)
	f.router.SetClock(clock)
	return f
}

func (f *fixture) register(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.agents.Register(context.Background(), registry.AgentRecord{
		ID:     id,
		URL:    "http://localhost:9000",
		Status: registry.StatusHealthy,
	}))
}

func TestCreateSessionInitializesContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.router.CreateSession(ctx, "s1", "")
	require.NoError(t, err)
	require.Equal(t, "triage", rec.CurrentAgent)
	require.Equal(t, false, rec.Context["verified"])
	require.Equal(t, "triage", rec.Context["lastAgent"])

	got, err := f.router.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, rec.CurrentAgent, got.CurrentAgent)
}

func TestRouteToAgentHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "triage")

	_, err := f.router.CreateSession(ctx, "s1", "triage")
	require.NoError(t, err)

	agent, err := f.router.RouteToAgent(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "triage", agent.ID)
}

func TestRouteToAgentFallsBackAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "triage")
	f.register(t, "banking")

	_, err := f.router.CreateSession(ctx, "s1", "banking")
	require.NoError(t, err)

	// Banking goes stale; routing must self-heal onto triage.
	f.now = f.now.Add(40 * time.Second)
	require.NoError(t, f.agents.Heartbeat(ctx, "triage"))

	agent, err := f.router.RouteToAgent(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "triage", agent.ID)

	rec, err := f.router.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "triage", rec.CurrentAgent, "fallback must be persisted")
}

func TestRouteToAgentNoEligibleAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "banking")

	_, err := f.router.CreateSession(ctx, "s1", "banking")
	require.NoError(t, err)

	f.now = f.now.Add(40 * time.Second)

	_, err = f.router.RouteToAgent(ctx, "s1")
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := f.router.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "banking", rec.CurrentAgent, "failed routing must not rewrite the session")
}

func TestRouteToAgentMissingSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.RouteToAgent(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransferSessionRefusesIneligibleTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "triage")

	_, err := f.router.CreateSession(ctx, "s1", "triage")
	require.NoError(t, err)

	ok, err := f.router.TransferSession(ctx, "s1", "ghost", Memory{"userIntent": "balance"})
	require.NoError(t, err)
	require.False(t, ok)

	rec, err := f.router.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "triage", rec.CurrentAgent, "refused transfer must not mutate currentAgent")
	require.NotContains(t, rec.Context, "userIntent")
}

func TestTransferSessionMergesContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "triage")
	f.register(t, "banking")

	_, err := f.router.CreateSession(ctx, "s1", "triage")
	require.NoError(t, err)

	ok, err := f.router.TransferSession(ctx, "s1", "banking", Memory{
		"userIntent": "balance check",
		"lastAgent":  "triage",
	})
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := f.router.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "banking", rec.CurrentAgent)
	require.Equal(t, "balance check", rec.Context["userIntent"])
	require.Equal(t, "triage", rec.Context["lastAgent"])
	require.Equal(t, false, rec.Context["verified"], "unrelated keys survive the merge")
}

func TestTransferSessionAbsentSessionFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.register(t, "banking")

	ok, err := f.router.TransferSession(context.Background(), "nope", "banking", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryMonotonicityAcrossHandoffs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "triage")
	f.register(t, "idv")
	f.register(t, "banking")

	_, err := f.router.CreateSession(ctx, "s1", "triage")
	require.NoError(t, err)

	ok, err := f.router.UpdateMemory(ctx, "s1", Memory{"userIntent": "balance check"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.router.TransferSession(ctx, "s1", "idv", Memory{"lastAgent": "triage"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.router.UpdateMemory(ctx, "s1", Memory{"verified": true})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.router.TransferSession(ctx, "s1", "banking", Memory{"lastAgent": "idv"})
	require.NoError(t, err)
	require.True(t, ok)

	mem, err := f.router.GetMemory(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "balance check", mem["userIntent"])
	require.Equal(t, true, mem["verified"])
	require.Equal(t, "idv", mem["lastAgent"])
}

func TestUpdateMemoryAbsentSession(t *testing.T) {
	f := newFixture(t)
	ok, err := f.router.UpdateMemory(context.Background(), "nope", Memory{"x": 1})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.CreateSession(ctx, "s1", "triage")
	require.NoError(t, err)
	require.NoError(t, f.router.DeleteSession(ctx, "s1"))

	_, err = f.router.GetSession(ctx, "s1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.router.DeleteSession(ctx, "s1"))
}

func TestSessionTTLRenewedOnWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.CreateSession(ctx, "s1", "triage")
	require.NoError(t, err)

	f.now = f.now.Add(50 * time.Minute)
	ok, err := f.router.UpdateMemory(ctx, "s1", Memory{"userIntent": "mortgage"})
	require.NoError(t, err)
	require.True(t, ok)

	// Past the original deadline but within the renewed one.
	f.now = f.now.Add(30 * time.Minute)
	_, err = f.router.GetSession(ctx, "s1")
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.router.GetSession(ctx, "s1")
	require.ErrorIs(t, err, ErrNotFound)
}
