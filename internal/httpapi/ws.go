package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarbridge/internal/protocol"
	"github.com/ent0n29/avatarbridge/internal/reliability"
	"github.com/ent0n29/avatarbridge/internal/session"
	"github.com/ent0n29/avatarbridge/internal/turn"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsOutboundSize = 256
)

// handleSessionWS runs turns for one bridge session and streams their
// progress back. Turns started by other clients of the same session are
// streamed too.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil || s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "live turn channel not configured")
		return
	}
	sess, err := s.bridge.Session(bridgeSelector(r))
	if err != nil {
		s.fail(w, r, err, "")
		return
	}
	sessionID := sess.ID

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")
	log := s.log.With(slog.String("bridge_session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	outbound := make(chan any, wsOutboundSize)
	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			log.Warn("dropping websocket message", slog.String("type", string(protocol.MessageTypeOf(msg))))
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-outbound:
			case e, ok := <-updates:
				if !ok {
					return
				}
				converted, send := protocol.FromEvent(e)
				if !send {
					continue
				}
				msg = converted
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("websocket write failed", slog.String("error", err.Error()))
				cancel()
				return
			}
			s.metrics.ObserveWSMessage("outbound", string(protocol.MessageTypeOf(msg)))
		}
	}()

	enqueue(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "ready"})

	var turns sync.WaitGroup
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}

		switch msg := parsed.(type) {
		case protocol.UserText:
			s.metrics.ObserveWSMessage("inbound", string(msg.Type))
			turns.Add(1)
			go func(text string) {
				defer turns.Done()
				_, err := s.turns.HandleTurn(ctx, sessionID, text)
				if err != nil && rejectedBeforeStart(err) {
					enqueue(protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: sessionID,
						Code:      turn.ErrorCode(err),
						Retryable: errors.Is(err, turn.ErrTurnInProgress) || reliability.IsRetryable(err),
						Detail:    err.Error(),
					})
				}
			}(msg.Text)
		case protocol.ClientControl:
			s.metrics.ObserveWSMessage("inbound", string(msg.Type))
			if msg.Action == "ping" {
				enqueue(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
			}
		}
	}

	cancel()
	turns.Wait()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// rejectedBeforeStart reports turn errors raised before the turn began. Those
// produce no turn_failed event, so the client is told directly.
func rejectedBeforeStart(err error) bool {
	return errors.Is(err, turn.ErrChatSessionMissing) ||
		errors.Is(err, turn.ErrTurnInProgress) ||
		errors.Is(err, turn.ErrEmptyInput) ||
		errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, session.ErrEnded)
}
