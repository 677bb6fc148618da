package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            BIGSERIAL PRIMARY KEY,
	session_id    TEXT        NOT NULL,
	turn_id       TEXT        NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL,
	decision      TEXT        NOT NULL,
	signatures    TEXT[],
	categories    TEXT[],
	record_ids    TEXT[],
	similarity    REAL,
	leak_method   TEXT,
	envelope      JSONB,
	processing_ms BIGINT      NOT NULL
)`

// PostgresSink writes audit events to a table, for deployments that need
// queryable retention rather than a flat file.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects, verifies the connection, and ensures the
// events table exists.
func NewPostgresSink(ctx context.Context, url string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Record inserts one event. The envelope column holds ciphertext and key
// metadata as JSON, never plaintext.
func (s *PostgresSink) Record(ctx context.Context, event Event) error {
	var envJSON []byte
	if event.Envelope != nil {
		var err error
		envJSON, err = json.Marshal(event.Envelope)
		if err != nil {
			return fmt.Errorf("envelope encode failed: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events
			(session_id, turn_id, recorded_at, decision, signatures, categories,
			 record_ids, similarity, leak_method, envelope, processing_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.SessionID, event.TurnID, event.Timestamp, event.Decision,
		event.Signatures, event.Categories, event.RecordIDs,
		event.Similarity, event.LeakMethod, envJSON, event.ProcessingMS,
	)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
