package heygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/reliability"
)

// HTTPClient calls the HeyGen REST endpoints.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	avatarName string
	voiceID    string
	client     *http.Client
	log        *slog.Logger
	metrics    *observability.Metrics
}

func NewHTTPClient(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		avatarName: strings.TrimSpace(cfg.AvatarName),
		voiceID:    strings.TrimSpace(cfg.VoiceID),
		client:     &http.Client{Timeout: timeout},
		log:        logger.With(slog.String("provider", "heygen")),
		metrics:    metrics,
	}
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Rate    float64 `json:"rate"`
}

type newSessionRequest struct {
	AvatarName    string        `json:"avatar_name,omitempty"`
	Voice         *voiceSetting `json:"voice,omitempty"`
	Version       string        `json:"version"`
	VideoEncoding string        `json:"video_encoding"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type taskRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	TaskType  string `json:"task_type"`
}

func (c *HTTPClient) CreateToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "streaming.create_token", map[string]string{"X-Api-Key": c.apiKey}, struct{}{}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("heygen streaming.create_token: token missing in response")
	}
	return out.Token, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, token string, opts SessionOptions) (StreamSession, error) {
	req := newSessionRequest{
		AvatarName:    firstNonEmpty(opts.AvatarName, c.avatarName),
		Version:       "v2",
		VideoEncoding: "VP8",
	}
	if voice := firstNonEmpty(opts.VoiceID, c.voiceID); voice != "" {
		req.Voice = &voiceSetting{VoiceID: voice, Rate: 1.0}
	}

	var out StreamSession
	if err := c.post(ctx, "streaming.new", bearer(token), req, &out); err != nil {
		return StreamSession{}, err
	}
	if out.SessionID == "" {
		return StreamSession{}, fmt.Errorf("heygen streaming.new: session_id missing in response")
	}
	return out, nil
}

func (c *HTTPClient) StartStream(ctx context.Context, token, sessionID string) error {
	return c.post(ctx, "streaming.start", bearer(token), sessionRequest{SessionID: sessionID}, nil)
}

func (c *HTTPClient) Speak(ctx context.Context, token, sessionID, text string) (SpeakResult, error) {
	var out struct {
		DurationMS *float64 `json:"duration_ms"`
	}
	req := taskRequest{SessionID: sessionID, Text: text, TaskType: "repeat"}
	if err := c.post(ctx, "streaming.task", bearer(token), req, &out); err != nil {
		return SpeakResult{}, err
	}
	if out.DurationMS == nil || *out.DurationMS <= 0 {
		return SpeakResult{}, nil
	}
	return SpeakResult{DurationMS: int64(*out.DurationMS), HasDuration: true}, nil
}

func (c *HTTPClient) StopSession(ctx context.Context, token, sessionID string) error {
	return c.post(ctx, "streaming.stop", bearer(token), sessionRequest{SessionID: sessionID}, nil)
}

// post sends one JSON request and decodes the `data` member of the response
// envelope into out when out is non-nil.
func (c *HTTPClient) post(ctx context.Context, op string, headers map[string]string, body any, out any) (err error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		c.metrics.ObserveUpstream("heygen", op, elapsed, err)
		attrs := []any{slog.String("operation", op), slog.Int64("latency_ms", elapsed.Milliseconds())}
		if err != nil {
			c.log.Warn("heygen call failed", append(attrs, slog.String("error", err.Error()))...)
			return
		}
		c.log.Debug("heygen call", attrs...)
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("heygen %s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &reliability.StatusError{Provider: "heygen", Operation: op, StatusCode: res.StatusCode, Body: string(raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode heygen %s response: %w", op, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode heygen %s data: %w", op, err)
	}
	return nil
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
