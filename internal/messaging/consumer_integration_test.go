//go:build integration
// +build integration

package messaging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"canvas-cms/internal/messaging"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logCapture collects structured log lines so tests can assert on the
// audit records the consumer writes.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Split(strings.TrimSpace(c.buf.String()), "\n")
}

func (c *logCapture) waitForLine(t *testing.T, substr string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, line := range c.lines() {
			if strings.Contains(line, substr) {
				return line
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for log line containing %q", substr)
	return ""
}

// TestAuditConsumerIntegration tests the audit consumer with real RabbitMQ
func TestAuditConsumerIntegration(t *testing.T) {
	testContainer, cleanup := setupRabbitMQ(t)
	defer cleanup()

	rmq, err := messaging.NewRabbitMQ(testContainer.url)
	require.NoError(t, err)
	defer rmq.Close()

	capture := &logCapture{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(capture, nil)))
	defer slog.SetDefault(prev)

	consumer := messaging.NewAuditConsumer(rmq)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, consumer.Start(ctx))

	// Give consumer time to start
	time.Sleep(500 * time.Millisecond)

	publisher := messaging.NewAuditPublisher(rmq)

	t.Run("records_binding_violation", func(t *testing.T) {
		publisher.Publish(ctx, &messaging.SecurityEvent{
			Type:        messaging.EventBindingViolation,
			UserID:      "user-777",
			SessionID:   "session-777",
			IPHash:      "0011223344556677",
			Fingerprint: "cafebabe00000000cafebabe00000000",
			Reason:      "binding_mismatch",
		})

		line := capture.waitForLine(t, "user-777", 5*time.Second)

		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		assert.Equal(t, "security event", record["msg"])
		assert.Equal(t, messaging.EventBindingViolation, record["type"])
		assert.Equal(t, "session-777", record["session_id"])
		assert.Equal(t, "binding_mismatch", record["reason"])
		assert.Equal(t, "audit", record["component"])
	})

	t.Run("records_session_terminated", func(t *testing.T) {
		publisher.Publish(ctx, &messaging.SecurityEvent{
			Type:      messaging.EventSessionTerminated,
			UserID:    "user-888",
			SessionID: "session-888",
			Reason:    "logout_others",
		})

		line := capture.waitForLine(t, "user-888", 5*time.Second)
		assert.Contains(t, line, messaging.EventSessionTerminated)
	})

	t.Run("graceful_shutdown", func(t *testing.T) {
		shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

		second := messaging.NewAuditConsumer(rmq)
		require.NoError(t, second.Start(shutdownCtx))

		time.Sleep(500 * time.Millisecond)

		shutdownCancel()

		// Give it time to shut down gracefully
		time.Sleep(500 * time.Millisecond)
	})
}

// TestAuditConsumerMalformedMessage verifies garbage on the queue is
// dropped without wedging the consumer
func TestAuditConsumerMalformedMessage(t *testing.T) {
	testContainer, cleanup := setupRabbitMQ(t)
	defer cleanup()

	rmq, err := messaging.NewRabbitMQ(testContainer.url)
	require.NoError(t, err)
	defer rmq.Close()

	capture := &logCapture{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(capture, nil)))
	defer slog.SetDefault(prev)

	consumer := messaging.NewAuditConsumer(rmq)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, consumer.Start(ctx))

	time.Sleep(500 * time.Millisecond)

	// Publish raw garbage on a second connection, straight to the exchange.
	conn, err := amqp.Dial(testContainer.url)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	err = ch.PublishWithContext(ctx,
		"auth.events",
		"security.event",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        []byte("{not valid json"),
		},
	)
	require.NoError(t, err)

	capture.waitForLine(t, "discarding malformed security event", 5*time.Second)

	// The consumer must still process well-formed events afterwards.
	publisher := messaging.NewAuditPublisher(rmq)
	publisher.Publish(ctx, &messaging.SecurityEvent{
		Type:   messaging.EventUnauthorizedAccess,
		UserID: "user-after-garbage",
	})

	capture.waitForLine(t, "user-after-garbage", 5*time.Second)
}
