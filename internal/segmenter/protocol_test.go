package segmenter

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeRequestFIFO(t *testing.T) {
	got, err := encodeRequest(FramingFIFO, "ignored", "Hello there.")
	if err != nil {
		t.Fatalf("encodeRequest() error = %v", err)
	}
	if string(got) != "Hello there. <<end>>\n" {
		t.Fatalf("encodeRequest() = %q", got)
	}
}

func TestEncodeRequestStripsMarkerFromText(t *testing.T) {
	got, _ := encodeRequest(FramingFIFO, "", "a <<end>> b")
	if strings.Count(string(got), EndMarker) != 1 {
		t.Fatalf("encodeRequest() = %q, want exactly one marker", got)
	}
}

func TestEncodeRequestTagged(t *testing.T) {
	got, err := encodeRequest(FramingTagged, "req-1", "Hi.\nBye.")
	if err != nil {
		t.Fatalf("encodeRequest() error = %v", err)
	}
	if !strings.HasSuffix(string(got), "\n") || strings.Count(string(got), "\n") != 1 {
		t.Fatalf("tagged request must be exactly one line: %q", got)
	}
	var req taggedRequest
	if err := json.Unmarshal(got, &req); err != nil {
		t.Fatalf("unmarshal tagged request: %v", err)
	}
	if req.ID != "req-1" || req.Text != "Hi.\nBye." {
		t.Fatalf("tagged request = %+v", req)
	}
}

func TestParseResponseLine(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind lineKind
		id   string
		n    int
	}{
		{name: "sentence list", raw: `["Hello.", "World."]`, kind: lineSentences, n: 2},
		{name: "empty list", raw: `[]`, kind: lineSentences, n: 0},
		{name: "info banner", raw: `[INFO] Torch threads available: 8`, kind: lineNoise},
		{name: "timing log", raw: `[TIMING] Processed in 0.012 seconds`, kind: lineNoise},
		{name: "ready banner", raw: `[STANZA] Stanza NLP pipeline ready`, kind: lineNoise},
		{name: "blank", raw: `   `, kind: lineNoise},
		{name: "worker error", raw: `{"error": "boom"}`, kind: lineError},
		{name: "tagged sentences", raw: `{"id":"r1","sentences":["A."]}`, kind: lineSentences, id: "r1", n: 1},
		{name: "tagged error", raw: `{"id":"r2","error":"bad"}`, kind: lineError, id: "r2"},
		{name: "numbers", raw: `[1, 2]`, kind: lineMalformed},
		{name: "unknown object", raw: `{"status":"ok"}`, kind: lineMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseResponseLine([]byte(tc.raw))
			if got.kind != tc.kind {
				t.Fatalf("kind = %d, want %d", got.kind, tc.kind)
			}
			if got.id != tc.id {
				t.Fatalf("id = %q, want %q", got.id, tc.id)
			}
			if len(got.sentences) != tc.n {
				t.Fatalf("sentences = %v, want %d entries", got.sentences, tc.n)
			}
		})
	}
}

func TestParseFraming(t *testing.T) {
	if f, err := ParseFraming(""); err != nil || f != FramingFIFO {
		t.Fatalf("ParseFraming(\"\") = %q, %v", f, err)
	}
	if f, err := ParseFraming(" Tagged "); err != nil || f != FramingTagged {
		t.Fatalf("ParseFraming(Tagged) = %q, %v", f, err)
	}
	if _, err := ParseFraming("json"); err == nil {
		t.Fatalf("ParseFraming(json) expected error")
	}
}
