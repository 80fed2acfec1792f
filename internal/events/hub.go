package events

import (
	"context"
	"log/slog"
	"sync"
)

// Hub is an in-process publisher keyed by bridge session. Slow subscribers
// lose events rather than stall the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	log    *slog.Logger
}

type subscription struct {
	ch chan Event
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
		log:    logger,
	}
}

// Subscribe returns a channel of events for one bridge session and a func that
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(bridgeSessionID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	set, ok := h.subs[bridgeSessionID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[bridgeSessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[bridgeSessionID], sub)
			if len(h.subs[bridgeSessionID]) == 0 {
				delete(h.subs, bridgeSessionID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[e.BridgeSessionID] {
		select {
		case sub.ch <- e:
		default:
			h.log.Warn("dropping event for slow subscriber",
				slog.String("bridge_session_id", e.BridgeSessionID),
				slog.String("type", string(e.Type)),
			)
		}
	}
}

func (h *Hub) Subscribers(bridgeSessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[bridgeSessionID])
}
