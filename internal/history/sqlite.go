package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists turn records in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite history path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS bridge_turns (
    id TEXT PRIMARY KEY,
    bridge_session_id TEXT NOT NULL,
    turn_id TEXT NOT NULL,
    chat_id TEXT NOT NULL DEFAULT '',
    user_text TEXT NOT NULL,
    reply_text TEXT NOT NULL DEFAULT '',
    sentences INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    pii_redacted INTEGER NOT NULL DEFAULT 0,
    created_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bridge_turns_session_created ON bridge_turns(bridge_session_id, created_at_ns);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	prepare(&r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bridge_turns
		 (id, bridge_session_id, turn_id, chat_id, user_text, reply_text, sentences, duration_ms, outcome, error, pii_redacted, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BridgeSessionID, r.TurnID, r.ChatID, r.UserText, r.ReplyText,
		r.Sentences, r.DurationMS, string(r.Outcome), r.Error, r.PIIRedacted, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, bridgeSessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bridge_session_id, turn_id, chat_id, user_text, reply_text, sentences, duration_ms, outcome, error, pii_redacted, created_at_ns
		 FROM bridge_turns WHERE bridge_session_id=? ORDER BY created_at_ns DESC LIMIT ?`,
		bridgeSessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r         Record
			outcome   string
			createdNS int64
		)
		if err := rows.Scan(&r.ID, &r.BridgeSessionID, &r.TurnID, &r.ChatID, &r.UserText, &r.ReplyText,
			&r.Sentences, &r.DurationMS, &outcome, &r.Error, &r.PIIRedacted, &createdNS); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Outcome = Outcome(outcome)
		r.CreatedAt = time.Unix(0, createdNS).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
