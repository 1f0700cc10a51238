package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore archives trace events in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trace_events (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			from_agent TEXT NOT NULL DEFAULT '',
			to_agent TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			is_return BOOLEAN NOT NULL DEFAULT FALSE,
			memory JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_session_created ON trace_events (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var memory []byte
	if event.Memory != nil {
		var err error
		memory, err = json.Marshal(event.Memory)
		if err != nil {
			return fmt.Errorf("encode event memory: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO trace_events (id, trace_id, session_id, kind, from_agent, to_agent, reason, is_return, memory, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID,
		event.TraceID,
		event.SessionID,
		event.Kind,
		event.FromAgent,
		event.ToAgent,
		event.Reason,
		event.IsReturn,
		memory,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record trace event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
