package heygen

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-process stand-in for local development. Speak reports a
// duration derived from the word count.
type Mock struct {
	mu       sync.Mutex
	spoken   map[string][]string
	stopped  map[string]bool
	streamed map[string]bool
}

func NewMock() *Mock {
	return &Mock{
		spoken:   make(map[string][]string),
		stopped:  make(map[string]bool),
		streamed: make(map[string]bool),
	}
}

func (m *Mock) CreateToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "mock-token-" + uuid.NewString(), nil
}

func (m *Mock) CreateSession(ctx context.Context, token string, opts SessionOptions) (StreamSession, error) {
	if err := ctx.Err(); err != nil {
		return StreamSession{}, err
	}
	id := "mock-" + uuid.NewString()
	return StreamSession{
		SessionID:   id,
		URL:         "wss://mock.invalid/" + id,
		AccessToken: "mock-access-" + id,
	}, nil
}

func (m *Mock) StartStream(ctx context.Context, token, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed[sessionID] = true
	return nil
}

func (m *Mock) Speak(ctx context.Context, token, sessionID, text string) (SpeakResult, error) {
	if err := ctx.Err(); err != nil {
		return SpeakResult{}, err
	}
	m.mu.Lock()
	m.spoken[sessionID] = append(m.spoken[sessionID], text)
	m.mu.Unlock()

	words := len(strings.Fields(text))
	if words == 0 {
		return SpeakResult{}, nil
	}
	return SpeakResult{DurationMS: int64(words) * 380, HasDuration: true}, nil
}

func (m *Mock) StopSession(ctx context.Context, token, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[sessionID] = true
	return nil
}

// Spoken returns the texts spoken on a session, in order.
func (m *Mock) Spoken(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken[sessionID]...)
}

func (m *Mock) Stopped(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped[sessionID]
}
