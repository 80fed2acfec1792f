package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/avatarbridge/internal/bridge"
	"github.com/ent0n29/avatarbridge/internal/config"
	"github.com/ent0n29/avatarbridge/internal/dispatch"
	"github.com/ent0n29/avatarbridge/internal/events"
	"github.com/ent0n29/avatarbridge/internal/history"
	"github.com/ent0n29/avatarbridge/internal/httpapi"
	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/segmenter"
	"github.com/ent0n29/avatarbridge/internal/session"
	"github.com/ent0n29/avatarbridge/internal/turn"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Bridge    *bridge.Service
	Turns     *turn.Orchestrator
	Segmenter segmenter.Segmenter
	Metrics   *observability.Metrics
	Providers ProviderInfo

	// Cleanup should be called on shutdown to release external resources (worker process, DB, NATS).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	providers, err := resolveProviders(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	seg, err := segmenter.New(segmenter.Config{
		Mode:              cfg.SegmenterMode,
		Command:           cfg.SegmenterCommand,
		Framing:           cfg.SegmenterFraming,
		RequestTimeout:    cfg.SegmenterRequestTimeout,
		StartupTimeout:    cfg.SegmenterStartupTimeout,
		MaxPending:        cfg.SegmenterMaxPending,
		RestartLimit:      cfg.SegmenterRestartLimit,
		RestartBackoff:    cfg.SegmenterRestartBackoff,
		RestartBackoffMax: cfg.SegmenterRestartBackoffMax,
	}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("segmenter init failed: %w", err)
	}
	closers = append(closers, seg.Close)
	providers.Segmenter = segmenterName(seg)

	var store history.Store
	store, err = history.NewStore(ctx, cfg.HistoryDatabaseURL, logger)
	if err != nil {
		return fail(fmt.Errorf("history store init failed: %w", err))
	}
	closers = append(closers, store.Close)
	if cfg.HistoryRedactPII {
		store = history.NewRedactingStore(store)
	}

	hub := events.NewHub(64, logger)
	publishers := events.Multi{hub}
	readiness := map[string]func() bool{"segmenter": seg.Healthy}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return fail(fmt.Errorf("nats connect failed: %w", err))
		}
		closers = append(closers, func() error { nc.Close(); return nil })
		publishers = append(publishers, nc)
		readiness["nats"] = nc.Healthy
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	svc := bridge.NewService(sessions, providers.avatar, providers.agent, publishers, logger, metrics)
	sessions.SetExpireHook(svc.HandleExpired)

	dispatcher := dispatch.New(providers.avatar, dispatch.Config{
		FallbackDuration: cfg.DispatchFallbackDuration,
		LeadCorrection:   cfg.DispatchLeadCorrection,
		SpeakTimeout:     cfg.DispatchSpeakTimeout,
	}, logger, metrics)

	orchestrator := turn.NewOrchestrator(turn.Config{
		WarmupEnabled: cfg.TurnWarmupEnabled,
		WarmupText:    cfg.TurnWarmupText,
		AgentTimeout:  cfg.TurnAgentTimeout,
		TurnTimeout:   cfg.TurnTimeout,
	}, turn.Deps{
		Sessions:   sessions,
		Agent:      providers.agent,
		Splitter:   seg,
		Dispatcher: dispatcher,
		Warmup:     providers.avatar,
		History:    store,
		Events:     publishers,
		Logger:     logger,
		Metrics:    metrics,
	})

	api := httpapi.New(httpapi.Options{
		Config:    cfg,
		Bridge:    svc,
		Turns:     orchestrator,
		History:   store,
		Hub:       hub,
		Readiness: readiness,
		Logger:    logger,
		Metrics:   metrics,
	})

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Bridge:    svc,
		Turns:     orchestrator,
		Segmenter: seg,
		Metrics:   metrics,
		Providers: providers,
		Cleanup:   cleanup,
	}, nil
}
