package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/notify"
)

// jsonPublisher is the part of Connection the Publisher needs.
type jsonPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, data any) error
}

// Publisher sends every broadcast state to the exchange. It is a
// notify.Sink.
type Publisher struct {
	conn   jsonPublisher
	source string
	logger *slog.Logger
}

// NewPublisher creates a publisher. source identifies this daemon in
// events, typically the hostname.
func NewPublisher(conn jsonPublisher, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, source: source, logger: logger}
}

var _ notify.Sink = (*Publisher)(nil)

// Name implements notify.Sink.
func (p *Publisher) Name() string {
	return "amqp"
}

// Publish implements notify.Sink.
func (p *Publisher) Publish(ctx context.Context, s domain.State) error {
	event := NewStateEvent(s, p.source)
	if err := p.conn.PublishJSON(ctx, "", event); err != nil {
		return fmt.Errorf("failed to publish state event: %w", err)
	}

	p.logger.Debug("published state event",
		"event_id", event.ID,
		"session_id", s.SessionID,
		"party_code", s.PartyCode)
	return nil
}
