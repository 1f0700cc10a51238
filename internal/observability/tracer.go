package observability

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/switchboard/internal/policy"
	"github.com/antoniostano/switchboard/internal/trace"
)

// Tracer emits structured session/handoff events to the log stream and,
// when configured, to the trace archive. Archive failures are warnings;
// tracing never fails a session operation. Memory snapshots are redacted
// before they leave the process.
type Tracer struct {
	archive trace.Store
}

func NewTracer(archive trace.Store) *Tracer {
	if archive == nil {
		archive = trace.NopStore{}
	}
	return &Tracer{archive: archive}
}

func (t *Tracer) SessionStarted(ctx context.Context, traceID, sessionID string) {
	log.Info().
		Str("trace_id", traceID).
		Str("session_id", sessionID).
		Msg("session started")
	t.record(ctx, trace.Event{
		TraceID:   traceID,
		SessionID: sessionID,
		Kind:      trace.KindSessionStarted,
	})
}

func (t *Tracer) Handoff(ctx context.Context, traceID, sessionID, fromAgent, toAgent, reason string, isReturn bool, memory map[string]any) {
	memory = policy.RedactMemory(memory)
	log.Info().
		Str("trace_id", traceID).
		Str("session_id", sessionID).
		Str("from_agent", fromAgent).
		Str("to_agent", toAgent).
		Str("reason", reason).
		Bool("is_return", isReturn).
		Msg("agent handoff")
	t.record(ctx, trace.Event{
		TraceID:   traceID,
		SessionID: sessionID,
		Kind:      trace.KindHandoff,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Reason:    reason,
		IsReturn:  isReturn,
		Memory:    memory,
	})
}

func (t *Tracer) SessionEnded(ctx context.Context, traceID, sessionID, reason string) {
	log.Info().
		Str("trace_id", traceID).
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("session ended")
	t.record(ctx, trace.Event{
		TraceID:   traceID,
		SessionID: sessionID,
		Kind:      trace.KindSessionEnded,
		Reason:    reason,
	})
}

func (t *Tracer) record(ctx context.Context, event trace.Event) {
	if err := t.archive.Record(ctx, event); err != nil {
		log.Warn().Err(err).Str("session_id", event.SessionID).Msg("trace archive write failed")
	}
}
