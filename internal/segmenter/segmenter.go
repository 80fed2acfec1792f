// Package segmenter turns free text into an ordered list of sentences, either by
// talking to a long-lived external worker process or with a builtin rule-based
// splitter.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/ent0n29/avatarbridge/internal/observability"
)

var (
	ErrQueueFull         = errors.New("segmentation queue is full")
	ErrTimeout           = errors.New("segmentation request timed out")
	ErrWorkerExited      = errors.New("segmentation worker exited")
	ErrWorkerUnavailable = errors.New("segmentation worker unavailable")
	ErrClosed            = errors.New("segmenter closed")
	ErrMalformedResponse = errors.New("malformed segmentation response")
)

// WorkerError is a failure reported by the worker itself for one request.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return "segmentation worker error: " + e.Message
}

// Segmenter splits text into sentences.
type Segmenter interface {
	Split(ctx context.Context, text string) ([]string, error)
	Healthy() bool
	Close() error
}

// Config controls segmenter construction.
type Config struct {
	Mode              string
	Command           string
	Framing           string
	RequestTimeout    time.Duration
	StartupTimeout    time.Duration
	MaxPending        int
	RestartLimit      int
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration
}

// New builds the configured segmenter. In auto mode the worker is used when its
// binary resolves and it answers the startup probe; otherwise the builtin
// splitter takes over.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (Segmenter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "builtin":
		return NewBuiltin(), nil
	case "worker":
		wcfg, err := workerConfig(cfg, logger, metrics)
		if err != nil {
			return nil, err
		}
		return StartWorker(wcfg)
	case "auto":
		wcfg, err := workerConfig(cfg, logger, metrics)
		if err != nil {
			logger.Warn("segmentation worker misconfigured, using builtin splitter", slog.String("error", err.Error()))
			return NewBuiltin(), nil
		}
		if _, err := exec.LookPath(wcfg.Command[0]); err != nil {
			logger.Info("segmentation worker not found, using builtin splitter", slog.String("command", wcfg.Command[0]))
			return NewBuiltin(), nil
		}
		w, err := StartWorker(wcfg)
		if err != nil {
			logger.Warn("segmentation worker unavailable, using builtin splitter", slog.String("error", err.Error()))
			return NewBuiltin(), nil
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported segmenter mode %q (expected auto|worker|builtin)", cfg.Mode)
	}
}

func workerConfig(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (WorkerConfig, error) {
	args, err := ParseCommand(cfg.Command)
	if err != nil {
		return WorkerConfig{}, err
	}
	framing, err := ParseFraming(cfg.Framing)
	if err != nil {
		return WorkerConfig{}, err
	}
	return WorkerConfig{
		Command:           args,
		Framing:           framing,
		RequestTimeout:    cfg.RequestTimeout,
		StartupTimeout:    cfg.StartupTimeout,
		MaxPending:        cfg.MaxPending,
		RestartLimit:      cfg.RestartLimit,
		RestartBackoff:    cfg.RestartBackoff,
		RestartBackoffMax: cfg.RestartBackoffMax,
		Logger:            logger,
		Metrics:           metrics,
	}, nil
}

// ParseCommand splits a shell-style command line into argv.
func ParseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse segmenter command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("segmenter command empty")
	}
	return args, nil
}

// Builtin is the in-process rule-based segmenter.
type Builtin struct{}

func NewBuiltin() *Builtin { return &Builtin{} }

func (b *Builtin) Split(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return SplitSentences(text), nil
}

func (b *Builtin) Healthy() bool { return true }

func (b *Builtin) Close() error { return nil }
