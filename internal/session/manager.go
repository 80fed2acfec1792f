package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrEnded          = errors.New("session ended")
	ErrInvalidAvatar  = errors.New("avatar session requires both session id and token")
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
)

// Manager is the in-memory session store. Callers always receive copies.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

// SetExpireHook registers a callback invoked with the pre-expiry state of each
// session the janitor ends.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a new isolated session.
func (m *Manager) Create() *Session {
	s := newSession(uuid.NewString())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

// Resolve returns the active session for id. An empty id selects the default
// slot, which is created on demand and reopened after it ends.
func (m *Manager) Resolve(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = DefaultID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if id == DefaultID && (!ok || s.Status == StatusEnded) {
		s = newSession(DefaultID)
		m.sessions[id] = s
		return clone(s), nil
	}
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, ErrEnded
	}
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(s *Session) error { return nil })
}

// SetAvatar stores avatar credentials, replacing any previous stream.
func (m *Manager) SetAvatar(sessionID string, avatar AvatarSession) error {
	if !avatar.valid() {
		return ErrInvalidAvatar
	}
	return m.update(sessionID, func(s *Session) error {
		s.Avatar = avatar
		return nil
	})
}

// ClearAvatar empties the avatar slot and returns what it held.
func (m *Manager) ClearAvatar(sessionID string) (AvatarSession, error) {
	var prev AvatarSession
	err := m.update(sessionID, func(s *Session) error {
		prev = s.Avatar
		s.Avatar = AvatarSession{}
		return nil
	})
	return prev, err
}

func (m *Manager) SetChat(sessionID, chatID string) error {
	return m.update(sessionID, func(s *Session) error {
		s.Chat = ChatSession{ChatID: strings.TrimSpace(chatID)}
		return nil
	})
}

// ClearChat empties the chat slot and returns what it held.
func (m *Manager) ClearChat(sessionID string) (ChatSession, error) {
	var prev ChatSession
	err := m.update(sessionID, func(s *Session) error {
		prev = s.Chat
		s.Chat = ChatSession{}
		return nil
	})
	return prev, err
}

// BeginTurn marks turnID as the session's running turn. Only one turn may run
// per session at a time.
func (m *Manager) BeginTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) error {
		if s.ActiveTurnID != "" {
			return ErrTurnInProgress
		}
		s.ActiveTurnID = turnID
		return nil
	})
}

// EndTurn releases the turn slot if turnID still holds it. It also works on a
// session that ended while the turn was running.
func (m *Manager) EndTurn(sessionID, turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.ActiveTurnID != turnID {
		return
	}
	s.ActiveTurnID = ""
	s.TurnCount++
	s.LastActivityAt = time.Now().UTC()
}

// End closes a session and returns its state from just before it was cleared,
// so callers can release upstream resources.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	prev := clone(s)
	endSession(s, time.Now().UTC())
	return prev, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) update(sessionID string, fn func(*Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrEnded
	}
	if err := fn(s); err != nil {
		return err
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive || s.ActiveTurnID != "" {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, clone(s))
		endSession(s, now)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func newSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
}

func endSession(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.Avatar = AvatarSession{}
	s.Chat = ChatSession{}
	s.ActiveTurnID = ""
	s.LastActivityAt = now
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
