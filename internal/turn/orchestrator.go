// Package turn runs one conversational turn end to end: agent reply, sentence
// segmentation, then sequential avatar dispatch.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/avatarbridge/internal/dispatch"
	"github.com/ent0n29/avatarbridge/internal/events"
	"github.com/ent0n29/avatarbridge/internal/history"
	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/session"
)

var (
	ErrChatSessionMissing = errors.New("no active chat session")
	ErrTurnInProgress     = session.ErrTurnInProgress
	ErrEmptyInput         = errors.New("turn text is empty")
)

// StageError reports which stage of a turn failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Sessions is the part of the session store a turn needs.
type Sessions interface {
	Resolve(id string) (*session.Session, error)
	BeginTurn(sessionID, turnID string) error
	EndTurn(sessionID, turnID string)
}

type Agent interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
}

type Splitter interface {
	Split(ctx context.Context, text string) ([]string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, avatar session.AvatarSession, sentences []string, onSpoken dispatch.SpokenFunc) (dispatch.Result, error)
}

type Config struct {
	WarmupEnabled bool
	WarmupText    string
	AgentTimeout  time.Duration
	TurnTimeout   time.Duration
}

type Deps struct {
	Sessions   Sessions
	Agent      Agent
	Splitter   Splitter
	Dispatcher Dispatcher
	// Warmup speaks the warm-up utterance. Nil disables warm-up.
	Warmup  dispatch.Speaker
	History history.Store
	Events  events.Publisher
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Result is the outcome of a successful turn.
type Result struct {
	TurnID          string   `json:"turn_id"`
	BridgeSessionID string   `json:"bridge_session_id"`
	ReplyText       string   `json:"reply_text"`
	Sentences       []string `json:"sentences"`
	TotalDurationMS int64    `json:"duration_ms"`
}

type Orchestrator struct {
	cfg    Config
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if strings.TrimSpace(cfg.WarmupText) == "" {
		cfg.WarmupText = ". . ."
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		log:    logger.With(slog.String("component", "turn")),
		tracer: otel.Tracer("github.com/ent0n29/avatarbridge/internal/turn"),
	}
}

// HandleTurn sends userText to the agent on the bridge session's chat, splits
// the reply into sentences and speaks them on the session's avatar. A session
// without a chat fails with ErrChatSessionMissing before anything else runs.
// A session without an active avatar still gets a reply, with zero duration.
func (o *Orchestrator) HandleTurn(ctx context.Context, bridgeSessionID, userText string) (Result, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return Result{}, ErrEmptyInput
	}

	sess, err := o.deps.Sessions.Resolve(bridgeSessionID)
	if err != nil {
		return Result{}, err
	}
	if !sess.Chat.Active() {
		o.deps.Metrics.ObserveTurn("no_chat")
		return Result{}, ErrChatSessionMissing
	}

	turnID := uuid.NewString()
	if err := o.deps.Sessions.BeginTurn(sess.ID, turnID); err != nil {
		if errors.Is(err, session.ErrTurnInProgress) {
			o.deps.Metrics.ObserveTurn("rejected_busy")
		}
		return Result{}, err
	}
	defer o.deps.Sessions.EndTurn(sess.ID, turnID)

	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "turn.handle", trace.WithAttributes(
		attribute.String("bridge_session_id", sess.ID),
		attribute.String("turn_id", turnID),
	))
	defer span.End()

	log := o.log.With(slog.String("bridge_session_id", sess.ID), slog.String("turn_id", turnID))
	started := time.Now()
	o.publish(ctx, events.Event{Type: events.TurnStarted, BridgeSessionID: sess.ID, TurnID: turnID, Text: userText})

	res, err := o.run(ctx, log, sess, turnID, userText)
	elapsed := time.Since(started)
	o.deps.Metrics.ObserveStage("turn_total", elapsed)

	record := history.Record{
		BridgeSessionID: sess.ID,
		TurnID:          turnID,
		ChatID:          sess.Chat.ChatID,
		UserText:        userText,
		ReplyText:       res.ReplyText,
		Sentences:       len(res.Sentences),
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.deps.Metrics.ObserveTurn("failed")
		log.Error("turn failed", slog.String("error", err.Error()), slog.Int64("elapsed_ms", elapsed.Milliseconds()))

		failure := events.Event{Type: events.TurnFailed, BridgeSessionID: sess.ID, TurnID: turnID, Code: ErrorCode(err), Error: err.Error()}
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			failure.TotalMS = derr.PartialDurationMS
			failure.Index = derr.Index
		}
		o.publish(ctx, failure)

		record.Outcome = history.OutcomeFailed
		record.Error = err.Error()
		o.save(log, record)
		return Result{}, err
	}

	o.deps.Metrics.ObserveTurn("completed")
	span.SetAttributes(attribute.Int64("turn.duration_ms", res.TotalDurationMS))
	log.Info("turn completed",
		slog.Int("sentences", len(res.Sentences)),
		slog.Int64("duration_ms", res.TotalDurationMS),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
	o.publish(ctx, events.Event{
		Type:            events.TurnCompleted,
		BridgeSessionID: sess.ID,
		TurnID:          turnID,
		Reply:           res.ReplyText,
		DurationMS:      res.TotalDurationMS,
	})

	record.Outcome = history.OutcomeCompleted
	record.DurationMS = res.TotalDurationMS
	o.save(log, record)
	return res, nil
}

// run executes the stages in order. Each stage starts only after the previous
// one finished, and the first error stops the turn.
func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, sess *session.Session, turnID, userText string) (Result, error) {
	res := Result{TurnID: turnID, BridgeSessionID: sess.ID}

	if o.cfg.WarmupEnabled && o.deps.Warmup != nil && sess.Avatar.Active() {
		o.warmup(ctx, log, sess.Avatar)
	}

	reply, err := o.askAgent(ctx, sess.Chat.ChatID, userText)
	if err != nil {
		return res, &StageError{Stage: "agent", Err: err}
	}
	res.ReplyText = reply
	log.Info("agent replied", slog.Int("reply_chars", len(reply)))

	sentences, err := o.segment(ctx, reply)
	if err != nil {
		return res, &StageError{Stage: "segment", Err: err}
	}
	res.Sentences = sentences

	start := time.Now()
	out, err := o.deps.Dispatcher.Dispatch(ctx, sess.Avatar, sentences, func(s dispatch.Spoken) {
		o.publish(ctx, events.Event{
			Type:            events.SentenceSpoken,
			BridgeSessionID: sess.ID,
			TurnID:          turnID,
			Index:           s.Index,
			Text:            s.Text,
			DurationMS:      s.DurationMS,
			TotalMS:         s.RawTotalMS,
		})
	})
	o.deps.Metrics.ObserveStage("dispatch", time.Since(start))
	if err != nil {
		return res, &StageError{Stage: "dispatch", Err: err}
	}
	res.TotalDurationMS = out.TotalDurationMS
	return res, nil
}

func (o *Orchestrator) warmup(ctx context.Context, log *slog.Logger, avatar session.AvatarSession) {
	ctx, span := o.tracer.Start(ctx, "turn.warmup")
	defer span.End()

	start := time.Now()
	_, err := o.deps.Warmup.Speak(ctx, avatar.Token, avatar.SessionID, o.cfg.WarmupText)
	o.deps.Metrics.ObserveStage("warmup", time.Since(start))
	if err != nil {
		span.RecordError(err)
		log.Warn("avatar warm-up failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) askAgent(ctx context.Context, chatID, text string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "turn.agent")
	defer span.End()

	if o.cfg.AgentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.AgentTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := o.deps.Agent.SendMessage(ctx, chatID, text)
	o.deps.Metrics.ObserveStage("agent", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return reply, nil
}

func (o *Orchestrator) segment(ctx context.Context, text string) ([]string, error) {
	ctx, span := o.tracer.Start(ctx, "turn.segment")
	defer span.End()

	start := time.Now()
	sentences, err := o.deps.Splitter.Split(ctx, text)
	o.deps.Metrics.ObserveStage("segment", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("turn.sentences", len(sentences)))
	return sentences, nil
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if o.deps.Events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	o.deps.Events.Publish(ctx, e)
}

// save runs on its own context so a cancelled turn still gets recorded.
func (o *Orchestrator) save(log *slog.Logger, r history.Record) {
	if o.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.History.Save(ctx, r); err != nil {
		log.Warn("save turn history failed", slog.String("error", err.Error()))
	}
}

// ErrorCode maps turn errors onto stable machine-readable codes.
func ErrorCode(err error) string {
	var stage *StageError
	switch {
	case errors.Is(err, ErrChatSessionMissing):
		return "chat_session_missing"
	case errors.Is(err, session.ErrTurnInProgress):
		return "turn_in_progress"
	case errors.Is(err, ErrEmptyInput):
		return "invalid_request"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrEnded):
		return "session_not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "turn_timeout"
	case errors.Is(err, context.Canceled):
		return "turn_cancelled"
	case errors.As(err, &stage):
		return fmt.Sprintf("%s_failed", stage.Stage)
	default:
		return "turn_failed"
	}
}
