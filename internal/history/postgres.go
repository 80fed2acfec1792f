package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turn records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bridge_turns (
			id TEXT PRIMARY KEY,
			bridge_session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			user_text TEXT NOT NULL,
			reply_text TEXT NOT NULL DEFAULT '',
			sentences INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_turns_session_created ON bridge_turns (bridge_session_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	prepare(&r)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bridge_turns
		 (id, bridge_session_id, turn_id, chat_id, user_text, reply_text, sentences, duration_ms, outcome, error, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.BridgeSessionID, r.TurnID, r.ChatID, r.UserText, r.ReplyText,
		r.Sentences, r.DurationMS, string(r.Outcome), r.Error, r.PIIRedacted, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, bridgeSessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, bridge_session_id, turn_id, chat_id, user_text, reply_text, sentences, duration_ms, outcome, error, pii_redacted, created_at
		 FROM bridge_turns WHERE bridge_session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		bridgeSessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r       Record
			outcome string
		)
		if err := rows.Scan(&r.ID, &r.BridgeSessionID, &r.TurnID, &r.ChatID, &r.UserText, &r.ReplyText,
			&r.Sentences, &r.DurationMS, &outcome, &r.Error, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Outcome = Outcome(outcome)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func reverse(items []Record) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
