package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors events onto `<prefix>.<bridge session>` subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("no NATS url configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "avatarbridge.turns"
	}

	conn, err := nats.Connect(url,
		nats.Name("avatarbridge"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to NATS", slog.String("url", conn.ConnectedUrlRedacted()), slog.String("prefix", prefix))
	return &NATSPublisher{conn: conn, prefix: prefix, log: logger}, nil
}

// Subject returns the subject events of a bridge session are published on.
func (p *NATSPublisher) Subject(bridgeSessionID string) string {
	return p.prefix + "." + subjectToken(bridgeSessionID)
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("marshal event", slog.String("error", err.Error()))
		return
	}
	if err := p.conn.Publish(p.Subject(e.BridgeSessionID), data); err != nil {
		p.log.Warn("publish event to nats", slog.String("error", err.Error()), slog.String("type", string(e.Type)))
	}
}

func (p *NATSPublisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
	p.conn.Close()
}

func subjectToken(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
