package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	authEventsExchange = "auth.events"
	securityAuditQueue = "security.audit"
	securityRoutingKey = "security.event"
)

// Security event types published to the audit exchange.
const (
	EventBindingViolation   = "binding_violation"
	EventRateLimited        = "rate_limited"
	EventSessionTerminated  = "session_terminated"
	EventUnauthorizedAccess = "unauthorized_access"
)

// RabbitMQ wraps the broker connection used for security audit events.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// SecurityEvent is the audit record emitted for security-relevant auth
// activity. Only hashed client signals are carried; raw addresses never
// leave the core.
type SecurityEvent struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	IPHash      string `json:"ip_hash,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// NewRabbitMQ connects to the broker and declares the audit topology.
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry dials the broker with backoff until ctx expires.
// Brokers often come up after the application in containerized deployments.
func NewRabbitMQWithRetry(ctx context.Context, url string) (*RabbitMQ, error) {
	backoff := time.Second

	for {
		rmq, err := NewRabbitMQ(url)
		if err == nil {
			return rmq, nil
		}

		slog.Warn("rabbitmq connection failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to RabbitMQ: %w", err)
		case <-time.After(backoff):
		}

		if backoff < 16*time.Second {
			backoff *= 2
		}
	}
}

// Setup declares the audit exchange and queue.
func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		authEventsExchange, // name
		"topic",            // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("failed to declare auth events exchange: %w", err)
	}

	if _, err := r.channel.QueueDeclare(
		securityAuditQueue, // name
		true,               // durable
		false,              // delete when unused
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("failed to declare security audit queue: %w", err)
	}

	if err := r.channel.QueueBind(
		securityAuditQueue,
		"security.#",
		authEventsExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind security audit queue: %w", err)
	}

	slog.Info("rabbitmq setup completed successfully")
	return nil
}

func (r *RabbitMQ) publish(ctx context.Context, routingKey string, body []byte) error {
	return r.channel.PublishWithContext(
		ctx,
		authEventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// ConsumeSecurityEvents registers a consumer on the audit queue. Used by
// external audit tooling and the integration tests.
func (r *RabbitMQ) ConsumeSecurityEvents() (<-chan amqp.Delivery, error) {
	msgs, err := r.channel.Consume(
		securityAuditQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	slog.Info("started consuming security events",
		slog.String("queue", securityAuditQueue))
	return msgs, nil
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// AuditPublisher emits security events. Publishing is best-effort: a broker
// outage must never block or fail the authentication path.
type AuditPublisher struct {
	rmq *RabbitMQ
}

// NewAuditPublisher creates a publisher over an established connection.
func NewAuditPublisher(rmq *RabbitMQ) *AuditPublisher {
	return &AuditPublisher{rmq: rmq}
}

// Publish sends a security event. Failures are logged, not returned.
func (p *AuditPublisher) Publish(ctx context.Context, event *SecurityEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal security event",
			slog.String("type", event.Type),
			slog.String("error", err.Error()))
		return
	}

	if err := p.rmq.publish(ctx, securityRoutingKey, body); err != nil {
		slog.Error("failed to publish security event",
			slog.String("type", event.Type),
			slog.String("error", err.Error()))
		return
	}

	slog.Debug("published security event",
		slog.String("type", event.Type),
		slog.String("user_id", event.UserID))
}
