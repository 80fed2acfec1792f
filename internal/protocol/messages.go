package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/avatarbridge/internal/events"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserText       MessageType = "user_text"
	TypeClientControl  MessageType = "client_control"
	TypeTurnStarted    MessageType = "turn_started"
	TypeSentenceSpoken MessageType = "sentence_spoken"
	TypeTurnCompleted  MessageType = "turn_completed"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserText asks the bridge to run one turn.
type UserText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type TurnStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type SentenceSpoken struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Index      int         `json:"index"`
	Text       string      `json:"text"`
	DurationMS int64       `json:"duration_ms"`
	TotalMS    int64       `json:"total_ms"`
}

type TurnCompleted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Reply      string      `json:"reply"`
	DurationMS int64       `json:"duration_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserText:
		var msg UserText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid user_text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// FromEvent converts a turn event into the message sent to websocket clients.
// It reports false for events clients do not receive.
func FromEvent(e events.Event) (any, bool) {
	switch e.Type {
	case events.TurnStarted:
		return TurnStarted{Type: TypeTurnStarted, SessionID: e.BridgeSessionID, TurnID: e.TurnID, Text: e.Text}, true
	case events.SentenceSpoken:
		return SentenceSpoken{
			Type:       TypeSentenceSpoken,
			SessionID:  e.BridgeSessionID,
			TurnID:     e.TurnID,
			Index:      e.Index,
			Text:       e.Text,
			DurationMS: e.DurationMS,
			TotalMS:    e.TotalMS,
		}, true
	case events.TurnCompleted:
		return TurnCompleted{Type: TypeTurnCompleted, SessionID: e.BridgeSessionID, TurnID: e.TurnID, Reply: e.Reply, DurationMS: e.DurationMS}, true
	case events.TurnFailed:
		return ErrorEvent{Type: TypeErrorEvent, SessionID: e.BridgeSessionID, TurnID: e.TurnID, Code: e.Code, Detail: e.Error}, true
	case events.SessionEnded:
		return SystemEvent{Type: TypeSystemEvent, SessionID: e.BridgeSessionID, Code: "session_" + e.Code}, true
	default:
		return nil, false
	}
}

// MessageTypeOf returns the wire type of an outbound message.
func MessageTypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case TurnStarted:
		return m.Type
	case SentenceSpoken:
		return m.Type
	case TurnCompleted:
		return m.Type
	case SystemEvent:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return ""
	}
}
