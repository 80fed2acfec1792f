// Package heygen talks to the HeyGen streaming avatar API.
package heygen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/avatarbridge/internal/observability"
)

const DefaultBaseURL = "https://api.heygen.com/v1"

// StreamSession is the handle returned by streaming.new.
type StreamSession struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

// SessionOptions selects the avatar and voice of a new stream. Empty fields fall
// back to the client defaults.
type SessionOptions struct {
	AvatarName string
	VoiceID    string
}

// SpeakResult is the outcome of one repeat task. HasDuration is false when the
// provider did not report a usable duration.
type SpeakResult struct {
	DurationMS  int64
	HasDuration bool
}

// Client is the subset of the streaming API the bridge uses. Every call after
// CreateToken authenticates with the token it returned.
type Client interface {
	CreateToken(ctx context.Context) (string, error)
	CreateSession(ctx context.Context, token string, opts SessionOptions) (StreamSession, error)
	StartStream(ctx context.Context, token, sessionID string) error
	Speak(ctx context.Context, token, sessionID, text string) (SpeakResult, error)
	StopSession(ctx context.Context, token, sessionID string) error
}

type Config struct {
	Mode       string
	APIKey     string
	BaseURL    string
	AvatarName string
	VoiceID    string
	Timeout    time.Duration
}

// New builds the configured client. Auto mode uses the HTTP API when an API
// key is present and the mock otherwise.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMock(), nil
		}
		return NewHTTPClient(cfg, logger, metrics), nil
	case "http":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("heygen API key is required for http mode")
		}
		return NewHTTPClient(cfg, logger, metrics), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported heygen client mode %q", cfg.Mode)
	}
}
