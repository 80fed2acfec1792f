package segmenter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// SplitFunc turns one request text into sentences.
type SplitFunc func(text string) ([]string, error)

// Serve answers segmentation requests read from r on w until r is exhausted.
// It is the worker side of the line protocol: with FramingFIFO request text is
// buffered until a line containing EndMarker, with FramingTagged every line is
// one JSON request. Split failures are reported to the caller as error objects.
func Serve(r io.Reader, w io.Writer, framing Framing, split SplitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	out := bufio.NewWriter(w)

	var buf strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		var resp any
		switch framing {
		case FramingTagged:
			if strings.TrimSpace(line) == "" {
				continue
			}
			var req taggedRequest
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				resp = map[string]string{"error": "invalid request: " + err.Error()}
				break
			}
			sentences, err := split(req.Text)
			if err != nil {
				resp = map[string]string{"id": req.ID, "error": err.Error()}
				break
			}
			resp = struct {
				ID        string   `json:"id"`
				Sentences []string `json:"sentences"`
			}{req.ID, nonNil(sentences)}
		default:
			buf.WriteString(line)
			buf.WriteByte('\n')
			if !strings.Contains(buf.String(), EndMarker) {
				continue
			}
			text := strings.TrimSpace(strings.ReplaceAll(buf.String(), EndMarker, ""))
			buf.Reset()
			sentences, err := split(text)
			if err != nil {
				resp = map[string]string{"error": err.Error()}
				break
			}
			resp = nonNil(sentences)
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode segmentation response: %w", err)
		}
		if _, err := out.Write(append(b, '\n')); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
