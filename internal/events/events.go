// Package events implements the internal event bus used to move work between
// the chat-side intake, the activity transformer, and the delivery pipeline.
// It is built on NATS JetStream: a LimitsPolicy stream carries informational
// notices (admin digests, purge signals), and a WorkQueuePolicy stream backs
// the three durable delivery-pipeline queues so each job is claimed by
// exactly one worker and can be retried or dead-lettered.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants define the NATS subject hierarchy. Subjects follow the
// pattern amityvox.<category>.<action>.
const (
	// Pipeline queues (§4.6). The translate-out, translate-in and deliver
	// subjects are durable work-queue subjects consumed by worker pools in
	// internal/pipeline; nothing in this module consumes the retry subject.
	SubjectPipelineTranslateOut = "amityvox.pipeline.translate_out"
	SubjectPipelineTranslateIn  = "amityvox.pipeline.translate_in"
	SubjectPipelineDeliver      = "amityvox.pipeline.deliver"
	SubjectPipelineRetry        = "amityvox.pipeline.retry"

	// Inbox-observed activity events, fanned out after dedupe+dispatch for
	// any local subscriber interested in raw inbound activity (policy, audit).
	SubjectInboxActivityReceived = "amityvox.inbox.activity_received"

	// Chat-side intake events, fanned out after transaction ingestion.
	SubjectIntakeEventReceived = "amityvox.intake.event_received"

	// Policy & moderation notices (§4.8), delivered into the admin room by
	// the chat-side intake's appservice client.
	SubjectPolicyReport      = "amityvox.policy.report"
	SubjectPolicyPurgeActor  = "amityvox.policy.purge_actor"
	SubjectPolicyDigest      = "amityvox.policy.digest"
)

// Event is the envelope for all events published through NATS.
type Event struct {
	Type   string          `json:"t"`
	RoomID string          `json:"room_id,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Data   json.RawMessage `json:"d"`
}

// Bus wraps a NATS connection and provides publish/subscribe methods for the
// bridge's internal queues and notices.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at the given URL and returns an event Bus.
// It also initializes JetStream for persistent stream support.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("amityvox-fed"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStreams creates the JetStream streams required by the bridge if they
// don't already exist. Call this during server startup.
func (b *Bus) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{
			Name: "AMITYVOX_NOTICES",
			Subjects: []string{
				"amityvox.inbox.>",
				"amityvox.intake.>",
				"amityvox.policy.>",
			},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      "AMITYVOX_PIPELINE",
			Subjects:  []string{"amityvox.pipeline.>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		info, err := b.js.StreamInfo(cfg.Name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
		}
		if info == nil {
			_, err := b.js.AddStream(&cfg)
			if err != nil {
				return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
			}
			b.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
		} else {
			b.logger.Debug("JetStream stream exists", slog.String("stream", cfg.Name))
		}
	}

	return nil
}

// Publish sends an event to the specified NATS subject. The event data is JSON
// encoded before publishing.
func (b *Bus) Publish(_ context.Context, subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	b.logger.Debug("event published",
		slog.String("subject", subject),
		slog.String("type", event.Type),
	)

	return nil
}

// PublishRoomEvent publishes an event scoped to a chat room.
func (b *Bus) PublishRoomEvent(ctx context.Context, subject, eventType, roomID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, RoomID: roomID, Data: raw})
}

// PublishUserEvent publishes an event targeted at a specific user.
func (b *Bus) PublishUserEvent(ctx context.Context, subject, eventType, userID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, UserID: userID, Data: raw})
}

// Subscribe creates a subscription to the specified NATS subject. The handler
// receives decoded Event objects.
func (b *Bus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.logger.Debug("subscribed to subject", slog.String("subject", subject))
	return sub, nil
}

// QueueSubscribe creates a queue-group subscription for load-balanced message
// processing across multiple worker goroutines or processes.
func (b *Bus) QueueSubscribe(subject, queue string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribing to %s (queue: %s): %w", subject, queue, err)
	}

	b.logger.Debug("queue subscribed",
		slog.String("subject", subject),
		slog.String("queue", queue),
	)
	return sub, nil
}

// Conn returns the underlying NATS connection for advanced use cases (direct
// JetStream PublishMsg/QueueSubscribe calls with ack-control options).
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// JetStream returns the JetStream context for stream operations.
func (b *Bus) JetStream() nats.JetStreamContext {
	return b.js
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
