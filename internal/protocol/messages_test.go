package protocol

import (
	"errors"
	"testing"

	"github.com/ent0n29/avatarbridge/internal/events"
)

func TestParseClientMessageUserText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"user_text","text":"What's the weather?"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	text, ok := msg.(UserText)
	if !ok {
		t.Fatalf("message type = %T, want UserText", msg)
	}
	if text.Text != "What's the weather?" {
		t.Fatalf("Text = %q", text.Text)
	}
}

func TestParseClientMessageRejectsBlankText(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"user_text","text":"  "}`)); err == nil {
		t.Fatalf("ParseClientMessage() expected error for blank text")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("ParseClientMessage() expected error for invalid json")
	}
}

func TestParseClientMessageControl(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if control, ok := msg.(ClientControl); !ok || control.Action != "ping" {
		t.Fatalf("message = %#v", msg)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"client_control"}`)); err == nil {
		t.Fatalf("ParseClientMessage() expected error without action")
	}
}

func TestFromEvent(t *testing.T) {
	msg, ok := FromEvent(events.Event{Type: events.SentenceSpoken, BridgeSessionID: "s", TurnID: "t", Index: 1, Text: "Hi.", DurationMS: 900, TotalMS: 2900})
	if !ok {
		t.Fatalf("FromEvent(sentence_spoken) ok = false")
	}
	spoken, isSpoken := msg.(SentenceSpoken)
	if !isSpoken || spoken.TotalMS != 2900 || spoken.Index != 1 || MessageTypeOf(msg) != TypeSentenceSpoken {
		t.Fatalf("FromEvent() = %#v", msg)
	}

	failed, ok := FromEvent(events.Event{Type: events.TurnFailed, Code: "agent_failed", Error: "boom"})
	if e, isErr := failed.(ErrorEvent); !ok || !isErr || e.Code != "agent_failed" {
		t.Fatalf("FromEvent(turn_failed) = %#v", failed)
	}

	if _, ok := FromEvent(events.Event{Type: "internal"}); ok {
		t.Fatalf("FromEvent(unknown) ok = true")
	}
}
