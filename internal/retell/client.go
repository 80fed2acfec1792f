// Package retell talks to the Retell chat agent API.
package retell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/avatarbridge/internal/observability"
)

const DefaultBaseURL = "https://api.retellai.com"

// NoResponse is the reply used when the agent answers without any message.
const NoResponse = "[No response]"

// Client is the conversational agent collaborator.
type Client interface {
	// CreateChat opens a chat with agentID, or with the configured agent when
	// agentID is empty.
	CreateChat(ctx context.Context, agentID string) (string, error)
	SendMessage(ctx context.Context, chatID, text string) (string, error)
}

type Config struct {
	Mode    string
	APIKey  string
	AgentID string
	BaseURL string
	Timeout time.Duration
}

// New builds the configured client. Auto mode uses the HTTP API when both an
// API key and an agent id are present and the mock otherwise.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	configured := strings.TrimSpace(cfg.APIKey) != "" && strings.TrimSpace(cfg.AgentID) != ""

	switch mode {
	case "auto":
		if !configured {
			return NewMock(), nil
		}
		return NewHTTPClient(cfg, logger, metrics), nil
	case "http":
		if !configured {
			return nil, errors.New("retell API key and agent id are required for http mode")
		}
		return NewHTTPClient(cfg, logger, metrics), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported retell client mode %q", cfg.Mode)
	}
}
