// Package history keeps a transcript of completed and failed turns per bridge
// session.
package history

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Record is one turn: what the user said, what the agent answered and how the
// answer was spoken.
type Record struct {
	ID              string    `json:"id"`
	BridgeSessionID string    `json:"bridge_session_id"`
	TurnID          string    `json:"turn_id"`
	ChatID          string    `json:"chat_id,omitempty"`
	UserText        string    `json:"user_text"`
	ReplyText       string    `json:"reply_text,omitempty"`
	Sentences       int       `json:"sentences"`
	DurationMS      int64     `json:"duration_ms"`
	Outcome         Outcome   `json:"outcome"`
	Error           string    `json:"error,omitempty"`
	PIIRedacted     bool      `json:"pii_redacted"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists turn records. Recent returns the newest limit records of a
// session in chronological order.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, bridgeSessionID string, limit int) ([]Record, error)
	Close() error
}
