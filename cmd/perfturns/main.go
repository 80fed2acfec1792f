// Command perfturns replays scripted turns against a running bridge over the
// live turn websocket and reports per-turn latency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarbridge/internal/protocol"
)

type options struct {
	baseURL        string
	turns          int
	startAvatar    bool
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type       string `json:"type"`
	TurnID     string `json:"turn_id,omitempty"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Index      int    `json:"index,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// turnTiming is measured from the moment the user_text frame was written.
type turnTiming struct {
	firstSentence time.Duration
	completed     time.Duration
	sentences     int
	spokenMS      int64
}

var defaultUtterances = []string{
	"What can you help me with today?",
	"Tell me a short fact about the ocean.",
	"Summarise our conversation so far.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3000", "bridge base URL")
	flag.IntVar(&cfg.turns, "turns", 6, "number of turns to replay")
	flag.BoolVar(&cfg.startAvatar, "avatar", true, "start an avatar session so sentences are dispatched")
	flag.DurationVar(&cfg.interTurnDelay, "inter-turn", 250*time.Millisecond, "delay between turns")
	flag.DurationVar(&cfg.turnTimeout, "turn-timeout", 60*time.Second, "timeout waiting for turn_completed")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	client := &http.Client{Timeout: 45 * time.Second}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := postJSON(ctx, client, cfg.baseURL+"/v1/sessions", "", http.StatusCreated, &created); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionID := created.SessionID
	if sessionID == "" {
		return fmt.Errorf("missing session_id in response")
	}
	defer func() {
		_ = postJSON(context.Background(), client, cfg.baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", "", http.StatusOK, nil)
	}()

	if cfg.startAvatar {
		if err := postJSON(ctx, client, cfg.baseURL+"/api/video-agent/start", sessionID, http.StatusOK, nil); err != nil {
			return fmt.Errorf("start avatar: %w", err)
		}
	}
	if err := postJSON(ctx, client, cfg.baseURL+"/api/chat-agent/start", sessionID, http.StatusOK, nil); err != nil {
		return fmt.Errorf("start chat: %w", err)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("perfturns: session=%s turns=%d avatar=%v\n", sessionID, cfg.turns, cfg.startAvatar)
	}

	var timings []turnTiming
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		timing, err := runTurn(conn, text, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("perfturns: turn %d/%d first_sentence=%s completed=%s sentences=%d spoken_ms=%d\n",
				i+1, cfg.turns, timing.firstSentence.Round(time.Millisecond), timing.completed.Round(time.Millisecond), timing.sentences, timing.spokenMS)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	first, completed := summarize(timings)
	fmt.Printf("perfturns: first_sentence p50=%s p95=%s | completed p50=%s p95=%s\n",
		first[0], first[1], completed[0], completed[1])
	return nil
}

func runTurn(conn *websocket.Conn, text string, timeout time.Duration) (turnTiming, error) {
	start := time.Now()
	if err := conn.WriteJSON(protocol.UserText{Type: protocol.TypeUserText, Text: text}); err != nil {
		return turnTiming{}, err
	}
	var timing turnTiming
	deadline := start.Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return turnTiming{}, err
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeSentenceSpoken:
			if timing.sentences == 0 {
				timing.firstSentence = time.Since(start)
			}
			timing.sentences++
		case protocol.TypeTurnCompleted:
			timing.completed = time.Since(start)
			timing.spokenMS = env.DurationMS
			if timing.sentences == 0 {
				timing.firstSentence = timing.completed
			}
			return timing, nil
		case protocol.TypeErrorEvent:
			return turnTiming{}, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
		}
	}
}

// summarize returns the p50 and p95 of first-sentence and completion latency.
func summarize(timings []turnTiming) ([2]time.Duration, [2]time.Duration) {
	first := make([]time.Duration, 0, len(timings))
	completed := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		first = append(first, t.firstSentence)
		completed = append(completed, t.completed)
	}
	return [2]time.Duration{percentile(first, 50), percentile(first, 95)},
		[2]time.Duration{percentile(completed, 50), percentile(completed, 95)}
}

// percentile uses the nearest-rank method.
func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func postJSON(ctx context.Context, client *http.Client, endpoint, bridgeSession string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bridgeSession != "" {
		req.Header.Set("X-Bridge-Session", bridgeSession)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != want {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/session/ws"
	q := u.Query()
	q.Set("bridge_session", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
