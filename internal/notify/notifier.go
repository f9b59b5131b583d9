// ABOUTME: Best-effort outbound notification channel (email/audio-cue triggers)
// ABOUTME: Publishes JSON envelopes to RabbitMQ; failures are logged, never escalated

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Notification kinds
const (
	KindQueued  = "conversation_queued"  // a conversation entered the queue
	KindMessage = "message_for_offline"  // a message arrived for an offline recipient
	KindClosed  = "conversation_closed"  // a conversation was closed
)

// Notification is a fire-and-forget trigger for the external email/audio-cue
// collaborator.
type Notification struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id"`
	Recipient      string `json:"recipient,omitempty"`
}

// envelope is the wire format: meta identifies the event, data carries it.
type envelope struct {
	Meta meta         `json:"meta"`
	Data Notification `json:"data"`
}

type meta struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to the outbound channel. Best effort:
// implementations log failures and return them, but callers never retry.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ConnectionOptions configures the RabbitMQ dial.
type ConnectionOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDialDelay = 60 * time.Second

// DialWithRetry connects to RabbitMQ with exponential backoff, respecting
// context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp091.Connection, error) {
	var lastErr error

	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				cfg.Logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := cfg.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}

		cfg.Logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w",
		cfg.RetryAttempts, lastErr)
}

// AMQPNotifier publishes notifications to a fanout exchange.
type AMQPNotifier struct {
	ch       *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPNotifier opens a channel on the connection and declares the exchange.
func NewAMQPNotifier(conn *amqp091.Connection, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}
	return &AMQPNotifier{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With("component", "notify"),
	}, nil
}

// Notify publishes the notification. The caller treats this as fire-and-forget.
func (n *AMQPNotifier) Notify(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(envelope{
		Meta: meta{
			EventID:    uuid.New().String(),
			OccurredAt: time.Now().UTC(),
		},
		Data: notification,
	})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	err = n.ch.PublishWithContext(ctx, n.exchange, notification.Kind, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
	if err != nil {
		n.logger.Warn("notification publish failed",
			slog.String("kind", notification.Kind),
			slog.Any("error", err))
		return err
	}

	n.logger.Debug("notification published",
		slog.String("kind", notification.Kind),
		slog.String("conversation_id", notification.ConversationID))
	return nil
}

// Close closes the underlying channel.
func (n *AMQPNotifier) Close() error {
	return n.ch.Close()
}

// NopNotifier is the fallback when the outbound channel is disabled.
type NopNotifier struct {
	Logger *slog.Logger
}

// Notify logs the skipped publish and succeeds.
func (n *NopNotifier) Notify(ctx context.Context, notification Notification) error {
	if n.Logger != nil {
		n.Logger.Debug("notifier disabled: skipped publish",
			slog.String("kind", notification.Kind))
	}
	return nil
}
