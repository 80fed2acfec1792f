package app

import (
	"fmt"
	"log/slog"

	"github.com/ent0n29/avatarbridge/internal/config"
	"github.com/ent0n29/avatarbridge/internal/heygen"
	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/retell"
	"github.com/ent0n29/avatarbridge/internal/segmenter"
)

// ProviderInfo names the backends that were actually selected, after auto
// modes were resolved.
type ProviderInfo struct {
	Avatar    string
	Agent     string
	Segmenter string

	avatar heygen.Client
	agent  retell.Client
}

func resolveProviders(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) (ProviderInfo, error) {
	avatar, err := heygen.New(heygen.Config{
		Mode:       cfg.HeyGenMode,
		APIKey:     cfg.HeyGenAPIKey,
		BaseURL:    cfg.HeyGenBaseURL,
		AvatarName: cfg.HeyGenAvatarName,
		VoiceID:    cfg.HeyGenVoiceID,
		Timeout:    cfg.UpstreamHTTPTimeout,
	}, logger, metrics)
	if err != nil {
		return ProviderInfo{}, fmt.Errorf("heygen client init failed: %w", err)
	}

	agent, err := retell.New(retell.Config{
		Mode:    cfg.RetellMode,
		APIKey:  cfg.RetellAPIKey,
		AgentID: cfg.RetellAgentID,
		BaseURL: cfg.RetellBaseURL,
		Timeout: cfg.UpstreamHTTPTimeout,
	}, logger, metrics)
	if err != nil {
		return ProviderInfo{}, fmt.Errorf("retell client init failed: %w", err)
	}

	info := ProviderInfo{Avatar: "heygen", Agent: "retell", avatar: avatar, agent: agent}
	if _, ok := avatar.(*heygen.Mock); ok {
		info.Avatar = "mock"
	}
	if _, ok := agent.(*retell.Mock); ok {
		info.Agent = "mock"
	}
	return info, nil
}

func segmenterName(s segmenter.Segmenter) string {
	switch v := s.(type) {
	case *segmenter.Builtin:
		return "builtin"
	case *segmenter.Worker:
		return "worker:" + string(v.Framing())
	default:
		return fmt.Sprintf("%T", s)
	}
}
