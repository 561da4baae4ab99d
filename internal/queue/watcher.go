package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventHandler handles a received state event.
type EventHandler func(event StateEvent)

// Watcher follows the state exchange through a private, auto-deleted
// queue.
type Watcher struct {
	conn    *Connection
	handler EventHandler
	logger  *slog.Logger
}

// NewWatcher creates a watcher on an open connection.
func NewWatcher(conn *Connection, handler EventHandler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{conn: conn, handler: handler, logger: logger}
}

// Run binds a queue to the exchange and delivers events until ctx is done
// or the broker closes the delivery channel.
func (w *Watcher) Run(ctx context.Context) error {
	ch := w.conn.Channel()
	if ch == nil {
		return errors.New("watch: no channel")
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare watch queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", w.conn.Exchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind watch queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("watching state events", "exchange", w.conn.Exchange(), "queue", q.Name)
	return w.consume(ctx, msgs)
}

func (w *Watcher) consume(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("watch: delivery channel closed")
			}
			w.handle(msg.Body)
		}
	}
}

func (w *Watcher) handle(body []byte) {
	var event StateEvent
	if err := json.Unmarshal(body, &event); err != nil {
		w.logger.Error("failed to unmarshal state event", "error", err)
		return
	}
	if event.Type != EventTypeStateUpdate {
		w.logger.Debug("ignoring event", "type", event.Type)
		return
	}
	w.handler(event)
}
