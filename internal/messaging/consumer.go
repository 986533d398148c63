package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"canvas-cms/internal/observability"
)

// AuditConsumer drains the security audit queue and writes each event to
// the structured audit log. It is the read side of AuditPublisher: the
// API server publishes, this worker records.
type AuditConsumer struct {
	rmq    *RabbitMQ
	logger *slog.Logger
}

func NewAuditConsumer(rmq *RabbitMQ) *AuditConsumer {
	return &AuditConsumer{
		rmq:    rmq,
		logger: slog.Default().With(slog.String("component", "audit")),
	}
}

// Start consumes security events until ctx is cancelled. Malformed
// messages are acked and dropped after logging: requeueing them would
// loop forever, and the audit trail must not wedge the queue.
func (c *AuditConsumer) Start(ctx context.Context) error {
	msgs, err := c.rmq.ConsumeSecurityEvents()
	if err != nil {
		return err
	}

	slog.Info("started consuming security events",
		slog.String("queue", securityAuditQueue),
		slog.String("exchange", authEventsExchange))

	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Info("stopping audit consumer")
				return
			case msg, ok := <-msgs:
				if !ok {
					slog.Warn("audit consumer channel closed")
					return
				}

				var event SecurityEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					slog.Error("discarding malformed security event",
						slog.String("error", err.Error()),
						slog.Int("body_size", len(msg.Body)))
					msg.Ack(false)
					continue
				}

				c.record(&event)
				msg.Ack(false)
			}
		}
	}()

	return nil
}

func (c *AuditConsumer) record(event *SecurityEvent) {
	observability.AuditEventsConsumed.WithLabelValues(event.Type).Inc()

	c.logger.Warn("security event",
		slog.String("type", event.Type),
		slog.String("user_id", event.UserID),
		slog.String("session_id", event.SessionID),
		slog.String("ip_hash", event.IPHash),
		slog.String("fingerprint", event.Fingerprint),
		slog.String("reason", event.Reason),
		slog.Time("occurred_at", time.Unix(event.Timestamp, 0).UTC()))
}
