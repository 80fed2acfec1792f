// Package bridge owns the lifecycle of the avatar and chat slots of a bridge
// session: opening and closing upstream sessions and one-off utterances.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/avatarbridge/internal/events"
	"github.com/ent0n29/avatarbridge/internal/heygen"
	"github.com/ent0n29/avatarbridge/internal/observability"
	"github.com/ent0n29/avatarbridge/internal/retell"
	"github.com/ent0n29/avatarbridge/internal/session"
)

var (
	ErrAvatarNotActive = errors.New("no active avatar session")
	ErrEmptyText       = errors.New("text is empty")
)

type Service struct {
	sessions *session.Manager
	avatar   heygen.Client
	agent    retell.Client
	events   events.Publisher
	log      *slog.Logger
	metrics  *observability.Metrics
}

func NewService(sessions *session.Manager, avatar heygen.Client, agent retell.Client, pub events.Publisher, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		avatar:   avatar,
		agent:    agent,
		events:   pub,
		log:      logger.With(slog.String("component", "bridge")),
		metrics:  metrics,
	}
}

// CreateSession opens an isolated bridge session.
func (s *Service) CreateSession() *session.Session {
	sess := s.sessions.Create()
	s.metrics.ObserveSessionEvent("created")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.log.Info("bridge session created", slog.String("bridge_session_id", sess.ID))
	return sess
}

// Session returns the bridge session selected by id; empty selects the default slot.
func (s *Service) Session(bridgeID string) (*session.Session, error) {
	return s.sessions.Resolve(bridgeID)
}

// StartAvatar creates a streaming token and a new avatar session and stores
// both in the bridge session. A stream already held by the slot is stopped
// first, best-effort.
func (s *Service) StartAvatar(ctx context.Context, bridgeID string, opts heygen.SessionOptions) (heygen.StreamSession, error) {
	sess, err := s.sessions.Resolve(bridgeID)
	if err != nil {
		return heygen.StreamSession{}, err
	}
	if sess.Avatar.Active() {
		s.stopBestEffort(ctx, sess.ID, sess.Avatar)
	}

	token, err := s.avatar.CreateToken(ctx)
	if err != nil {
		return heygen.StreamSession{}, fmt.Errorf("create streaming token: %w", err)
	}
	stream, err := s.avatar.CreateSession(ctx, token, opts)
	if err != nil {
		return heygen.StreamSession{}, fmt.Errorf("create avatar session: %w", err)
	}

	err = s.sessions.SetAvatar(sess.ID, session.AvatarSession{
		SessionID:   stream.SessionID,
		Token:       token,
		URL:         stream.URL,
		AccessToken: stream.AccessToken,
	})
	if err != nil {
		return heygen.StreamSession{}, err
	}
	s.metrics.ObserveSessionEvent("avatar_started")
	s.log.Info("avatar session started",
		slog.String("bridge_session_id", sess.ID),
		slog.String("avatar_session_id", stream.SessionID),
	)
	return stream, nil
}

func (s *Service) StartStream(ctx context.Context, bridgeID string) error {
	sess, avatar, err := s.activeAvatar(bridgeID)
	if err != nil {
		return err
	}
	if err := s.avatar.StartStream(ctx, avatar.Token, avatar.SessionID); err != nil {
		return fmt.Errorf("start avatar stream: %w", err)
	}
	_ = s.sessions.Touch(sess.ID)
	s.metrics.ObserveSessionEvent("stream_started")
	s.log.Info("avatar stream started", slog.String("bridge_session_id", sess.ID))
	return nil
}

// Talk speaks text verbatim as one utterance.
func (s *Service) Talk(ctx context.Context, bridgeID, text string) (heygen.SpeakResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return heygen.SpeakResult{}, ErrEmptyText
	}
	sess, avatar, err := s.activeAvatar(bridgeID)
	if err != nil {
		return heygen.SpeakResult{}, err
	}
	res, err := s.avatar.Speak(ctx, avatar.Token, avatar.SessionID, text)
	if err != nil {
		return heygen.SpeakResult{}, fmt.Errorf("speak: %w", err)
	}
	_ = s.sessions.Touch(sess.ID)
	return res, nil
}

// EndAvatar stops the stream and clears the avatar slot. The slot is kept
// when the provider refuses, so the call can be retried. Ending an empty slot
// is a no-op.
func (s *Service) EndAvatar(ctx context.Context, bridgeID string) error {
	sess, err := s.sessions.Resolve(bridgeID)
	if err != nil {
		return err
	}
	if !sess.Avatar.Active() {
		return nil
	}
	if err := s.avatar.StopSession(ctx, sess.Avatar.Token, sess.Avatar.SessionID); err != nil {
		return fmt.Errorf("stop avatar session: %w", err)
	}
	if _, err := s.sessions.ClearAvatar(sess.ID); err != nil {
		return err
	}
	s.metrics.ObserveSessionEvent("avatar_ended")
	s.log.Info("avatar session ended", slog.String("bridge_session_id", sess.ID))
	return nil
}

// StartChat opens a chat with the configured agent and stores its id.
func (s *Service) StartChat(ctx context.Context, bridgeID string) (string, error) {
	sess, err := s.sessions.Resolve(bridgeID)
	if err != nil {
		return "", err
	}
	chatID, err := s.agent.CreateChat(ctx, "")
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	if err := s.sessions.SetChat(sess.ID, chatID); err != nil {
		return "", err
	}
	s.metrics.ObserveSessionEvent("chat_started")
	s.log.Info("chat session created", slog.String("bridge_session_id", sess.ID), slog.String("chat_id", chatID))
	return chatID, nil
}

// EndChat forgets the chat id. Nothing is sent upstream.
func (s *Service) EndChat(bridgeID string) error {
	sess, err := s.sessions.Resolve(bridgeID)
	if err != nil {
		return err
	}
	if _, err := s.sessions.ClearChat(sess.ID); err != nil {
		return err
	}
	s.metrics.ObserveSessionEvent("chat_ended")
	return nil
}

// EndSession closes a bridge session, stopping its avatar stream best-effort.
func (s *Service) EndSession(ctx context.Context, bridgeID string) (*session.Session, error) {
	prev, err := s.sessions.End(bridgeID)
	if err != nil {
		return nil, err
	}
	s.release(ctx, prev, "ended")
	ended, err := s.sessions.Get(bridgeID)
	if err != nil {
		return nil, err
	}
	return ended, nil
}

// HandleExpired is the janitor hook for sessions that went idle.
func (s *Service) HandleExpired(prev *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.release(ctx, prev, "expired")
}

func (s *Service) release(ctx context.Context, prev *session.Session, reason string) {
	if prev.Avatar.Active() {
		s.stopBestEffort(ctx, prev.ID, prev.Avatar)
	}
	s.metrics.ObserveSessionEvent(reason)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	if s.events != nil {
		s.events.Publish(ctx, events.Event{Type: events.SessionEnded, BridgeSessionID: prev.ID, Code: reason, At: time.Now().UTC()})
	}
	s.log.Info("bridge session closed", slog.String("bridge_session_id", prev.ID), slog.String("reason", reason))
}

func (s *Service) stopBestEffort(ctx context.Context, bridgeID string, avatar session.AvatarSession) {
	if err := s.avatar.StopSession(ctx, avatar.Token, avatar.SessionID); err != nil {
		s.log.Warn("stop avatar session failed",
			slog.String("bridge_session_id", bridgeID),
			slog.String("avatar_session_id", avatar.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) activeAvatar(bridgeID string) (*session.Session, session.AvatarSession, error) {
	sess, err := s.sessions.Resolve(bridgeID)
	if err != nil {
		return nil, session.AvatarSession{}, err
	}
	if !sess.Avatar.Active() {
		return nil, session.AvatarSession{}, ErrAvatarNotActive
	}
	return sess, sess.Avatar, nil
}
