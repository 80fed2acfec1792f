package retell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/reliability"
)

// HTTPClient calls the Retell REST endpoints.
type HTTPClient struct {
	baseURL string
	apiKey  string
	agentID string
	client  *http.Client
	log     *slog.Logger
	metrics *observability.Metrics
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
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		agentID: strings.TrimSpace(cfg.AgentID),
		client:  &http.Client{Timeout: timeout},
		log:     logger.With(slog.String("provider", "retell")),
		metrics: metrics,
	}
}

type createChatRequest struct {
	AgentID          string            `json:"agent_id"`
	AgentVersion     int               `json:"agent_version"`
	Metadata         map[string]any    `json:"metadata"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables"`
}

type chatCompletionRequest struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

func (c *HTTPClient) CreateChat(ctx context.Context, agentID string) (string, error) {
	if agentID = strings.TrimSpace(agentID); agentID == "" {
		agentID = c.agentID
	}
	req := createChatRequest{
		AgentID:          agentID,
		AgentVersion:     1,
		Metadata:         map[string]any{},
		DynamicVariables: map[string]string{"customer_name": "User"},
	}
	var out struct {
		ChatID string `json:"chat_id"`
		Data   *struct {
			ChatID string `json:"chat_id"`
		} `json:"data"`
	}
	if err := c.post(ctx, "create-chat", req, &out); err != nil {
		return "", err
	}

	chatID := out.ChatID
	if out.Data != nil && out.Data.ChatID != "" {
		chatID = out.Data.ChatID
	}
	if chatID == "" {
		return "", errors.New("retell create-chat: chat_id not found in response")
	}
	return chatID, nil
}

// SendMessage returns the content of the first message of the agent's reply,
// or NoResponse when the reply carries none.
func (c *HTTPClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	var out struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := c.post(ctx, "create-chat-completion", chatCompletionRequest{ChatID: chatID, Content: text}, &out); err != nil {
		return "", err
	}
	if len(out.Messages) == 0 || out.Messages[0].Content == "" {
		return NoResponse, nil
	}
	return out.Messages[0].Content, nil
}

func (c *HTTPClient) post(ctx context.Context, op string, body any, out any) (err error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		c.metrics.ObserveUpstream("retell", op, elapsed, err)
		attrs := []any{slog.String("operation", op), slog.Int64("latency_ms", elapsed.Milliseconds())}
		if err != nil {
			c.log.Warn("retell call failed", append(attrs, slog.String("error", err.Error()))...)
			return
		}
		c.log.Debug("retell call", attrs...)
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("retell %s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &reliability.StatusError{Provider: "retell", Operation: op, StatusCode: res.StatusCode, Body: string(raw)}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode retell %s response: %w", op, err)
	}
	return nil
}
