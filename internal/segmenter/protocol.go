package segmenter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EndMarker terminates one request in the positional framing. The worker buffers
// stdin lines until it sees the marker, so request text may span several lines.
const EndMarker = "<<end>>"

// Framing selects how requests are written and how responses are correlated.
type Framing string

const (
	// FramingFIFO writes `text <<end>>\n` and matches responses purely by arrival order.
	FramingFIFO Framing = "fifo"
	// FramingTagged writes one JSON object per line carrying a request id, and the worker
	// echoes that id back, so responses can be matched regardless of order.
	FramingTagged Framing = "tagged"
)

func ParseFraming(raw string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FramingFIFO:
		return FramingFIFO, nil
	case FramingTagged:
		return FramingTagged, nil
	default:
		return "", fmt.Errorf("unsupported segmenter framing %q (expected fifo|tagged)", raw)
	}
}

type taggedRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type taggedResponse struct {
	ID        string    `json:"id"`
	Sentences *[]string `json:"sentences"`
	Error     string    `json:"error"`
}

func encodeRequest(framing Framing, id, text string) ([]byte, error) {
	// A marker inside the payload would split it into two requests on the worker side.
	text = strings.ReplaceAll(text, EndMarker, "")
	if framing == FramingTagged {
		b, err := json.Marshal(taggedRequest{ID: id, Text: text})
		if err != nil {
			return nil, fmt.Errorf("marshal segmentation request: %w", err)
		}
		return append(b, '\n'), nil
	}
	return []byte(text + " " + EndMarker + "\n"), nil
}

type lineKind int

const (
	// lineNoise is anything that is not JSON: worker banners, timing logs, blank lines.
	lineNoise lineKind = iota
	lineSentences
	lineError
	// lineMalformed is valid JSON that is not a response we understand.
	lineMalformed
)

type responseLine struct {
	kind      lineKind
	id        string
	sentences []string
	message   string
}

func parseResponseLine(raw []byte) responseLine {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '[' && raw[0] != '{') || !json.Valid(raw) {
		return responseLine{kind: lineNoise}
	}

	if raw[0] == '[' {
		var sentences []string
		if err := json.Unmarshal(raw, &sentences); err != nil {
			return responseLine{kind: lineMalformed, message: "sentence list is not an array of strings"}
		}
		return responseLine{kind: lineSentences, sentences: sentences}
	}

	var resp taggedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return responseLine{kind: lineMalformed, message: err.Error()}
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return responseLine{kind: lineError, id: resp.ID, message: msg}
	}
	if resp.Sentences == nil {
		return responseLine{kind: lineMalformed, id: resp.ID, message: "object without sentences or error"}
	}
	return responseLine{kind: lineSentences, id: resp.ID, sentences: *resp.Sentences}
}
