package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// DefaultID names the slot used when a caller does not select a bridge session.
const DefaultID = "default"

// AvatarSession holds the credentials of one live avatar stream. SessionID and
// Token are either both set or both empty.
type AvatarSession struct {
	SessionID   string `json:"session_id,omitempty"`
	Token       string `json:"-"`
	URL         string `json:"url,omitempty"`
	AccessToken string `json:"-"`
}

// Active reports whether speak calls can be issued against the stream.
func (a AvatarSession) Active() bool {
	return a.SessionID != "" && a.Token != ""
}

func (a AvatarSession) valid() bool {
	return (a.SessionID == "") == (a.Token == "")
}

// ChatSession identifies an open conversation with the agent provider.
type ChatSession struct {
	ChatID string `json:"chat_id,omitempty"`
}

func (c ChatSession) Active() bool {
	return c.ChatID != ""
}

// Session is one bridge session: an avatar slot and a chat slot with
// independent lifecycles.
type Session struct {
	ID             string        `json:"session_id"`
	Status         Status        `json:"status"`
	Avatar         AvatarSession `json:"avatar"`
	Chat           ChatSession   `json:"chat"`
	ActiveTurnID   string        `json:"active_turn_id,omitempty"`
	TurnCount      int           `json:"turn_count"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
