// Package dispatch speaks an ordered sentence list on an avatar stream, one
// sentence at a time, and accumulates the reported speaking time.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/avatarbridge/internal/heygen"
	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/session"
)

const (
	DefaultFallbackDuration = 3 * time.Second
	DefaultLeadCorrection   = 1500 * time.Millisecond
)

// Speaker issues one repeat task on an avatar stream.
type Speaker interface {
	Speak(ctx context.Context, token, sessionID, text string) (heygen.SpeakResult, error)
}

type Config struct {
	// FallbackDuration replaces a duration the provider did not report.
	FallbackDuration time.Duration
	// LeadCorrection is subtracted from the raw total once at least one sentence
	// was spoken. The result never drops below zero.
	LeadCorrection time.Duration
	// SpeakTimeout bounds each speak call. Zero leaves only the caller's deadline.
	SpeakTimeout time.Duration
}

// Spoken describes one sentence that the avatar accepted.
type Spoken struct {
	Index      int
	Text       string
	DurationMS int64
	Reported   bool
	RawTotalMS int64
}

// SpokenFunc observes progress. It runs on the dispatching goroutine, between
// speak calls.
type SpokenFunc func(Spoken)

type Result struct {
	TotalDurationMS int64
	RawDurationMS   int64
	Spoken          int
}

// Error aborts a dispatch. It records how far the sequence got before Err.
type Error struct {
	Index             int
	Sentence          string
	Spoken            int
	PartialDurationMS int64
	Err               error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch sentence %d (after %d spoken): %v", e.Index, e.Spoken, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Dispatcher struct {
	speaker  Speaker
	cfg      Config
	log      *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	duration metric.Int64Histogram
}

func New(speaker Speaker, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.FallbackDuration <= 0 {
		cfg.FallbackDuration = DefaultFallbackDuration
	}
	if cfg.LeadCorrection < 0 {
		cfg.LeadCorrection = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	const scope = "github.com/ent0n29/avatarbridge/internal/dispatch"
	hist, err := otel.Meter(scope).Int64Histogram("dispatch.speak.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Utterance length reported by the avatar provider per sentence."),
	)
	if err != nil {
		logger.Warn("dispatch duration instrument unavailable", slog.String("error", err.Error()))
	}

	return &Dispatcher{
		speaker:  speaker,
		cfg:      cfg,
		log:      logger.With(slog.String("component", "dispatch")),
		metrics:  metrics,
		tracer:   otel.Tracer(scope),
		duration: hist,
	}
}

// Dispatch speaks sentences in order. Each call starts only after the previous
// one returned. An inactive avatar or an empty list is a no-op returning zero.
// The first failure stops the sequence and is returned as *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, avatar session.AvatarSession, sentences []string, onSpoken SpokenFunc) (Result, error) {
	if !avatar.Active() || len(sentences) == 0 {
		return Result{}, nil
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.sentences", trace.WithAttributes(
		attribute.Int("dispatch.sentences", len(sentences)),
	))
	defer span.End()

	var (
		raw    int64
		spoken int
	)
	fail := func(i int, text string, err error) (Result, error) {
		d.metrics.ObserveSentence("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Warn("sentence dispatch aborted",
			slog.Int("index", i),
			slog.Int("spoken", spoken),
			slog.Int64("partial_duration_ms", raw),
			slog.String("error", err.Error()),
		)
		return Result{}, &Error{Index: i, Sentence: text, Spoken: spoken, PartialDurationMS: raw, Err: err}
	}

	for i, s := range sentences {
		text := strings.TrimSpace(s)
		if text == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(i, text, err)
		}

		res, err := d.speak(ctx, avatar, i, text)
		if err != nil {
			return fail(i, text, err)
		}

		ms := d.cfg.FallbackDuration.Milliseconds()
		if res.HasDuration {
			ms = res.DurationMS
			d.metrics.ObserveSentence("spoken")
		} else {
			d.metrics.ObserveSentence("fallback_duration")
		}
		if d.duration != nil {
			d.duration.Record(ctx, ms, metric.WithAttributes(attribute.Bool("reported", res.HasDuration)))
		}
		raw += ms
		spoken++

		d.log.Debug("sentence spoken",
			slog.Int("index", i),
			slog.Int64("duration_ms", ms),
			slog.Bool("reported", res.HasDuration),
			slog.Int64("total_ms", raw),
		)
		if onSpoken != nil {
			onSpoken(Spoken{Index: i, Text: text, DurationMS: ms, Reported: res.HasDuration, RawTotalMS: raw})
		}
	}

	total := raw
	if spoken > 0 {
		total -= d.cfg.LeadCorrection.Milliseconds()
		if total < 0 {
			total = 0
		}
	}
	span.SetAttributes(
		attribute.Int("dispatch.spoken", spoken),
		attribute.Int64("dispatch.total_ms", total),
	)
	return Result{TotalDurationMS: total, RawDurationMS: raw, Spoken: spoken}, nil
}

func (d *Dispatcher) speak(ctx context.Context, avatar session.AvatarSession, index int, text string) (heygen.SpeakResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.speak", trace.WithAttributes(attribute.Int("index", index)))
	defer span.End()

	if d.cfg.SpeakTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SpeakTimeout)
		defer cancel()
	}

	res, err := d.speaker.Speak(ctx, avatar.Token, avatar.SessionID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}
