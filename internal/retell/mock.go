package retell

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Mock provides deterministic local replies when no Retell agent is configured.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) CreateChat(ctx context.Context, agentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "mock-chat-" + uuid.NewString(), nil
}

func (m *Mock) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	base := strings.TrimSpace(text)
	if base == "" {
		return NoResponse, nil
	}
	return fmt.Sprintf("I heard you say: %s. What would you like to do next?", strings.TrimRight(base, ".!?")), nil
}
