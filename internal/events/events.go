// Package events fans out turn progress to websocket subscribers and, when
// configured, to NATS.
package events

import (
	"context"
	"time"
)

type Type string

const (
	TurnStarted    Type = "turn_started"
	SentenceSpoken Type = "sentence_spoken"
	TurnCompleted  Type = "turn_completed"
	TurnFailed     Type = "turn_failed"
	SessionEnded   Type = "session_ended"
)

// Event is one step of a turn on a bridge session.
type Event struct {
	Type            Type      `json:"type"`
	BridgeSessionID string    `json:"bridge_session_id"`
	TurnID          string    `json:"turn_id,omitempty"`
	Index           int       `json:"index,omitempty"`
	Text            string    `json:"text,omitempty"`
	DurationMS      int64     `json:"duration_ms,omitempty"`
	TotalMS         int64     `json:"total_ms,omitempty"`
	Reply           string    `json:"reply,omitempty"`
	Code            string    `json:"code,omitempty"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Publisher delivers events best-effort. Publish must not block the turn.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}
