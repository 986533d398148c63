package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvas-cms/internal/config"
	"canvas-cms/internal/messaging"
	"canvas-cms/internal/observability"
)

func main() {
	// Load configuration first
	cfg := config.Load()

	// Initialize structured logging
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	observability.InitLogger(logLevel, logFormat)

	slog.Info("starting audit worker")

	// Connect to RabbitMQ, waiting for the broker if it is still coming up
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	rmq, err := messaging.NewRabbitMQWithRetry(dialCtx, cfg.RabbitMQURL)
	dialCancel()
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	slog.Info("connected to rabbitmq")

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	consumer := messaging.NewAuditConsumer(rmq)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("failed to start consuming", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("audit worker is ready to record security events")

	// Wait for shutdown signal
	<-sigChan
	slog.Info("shutting down audit worker")
	cancel()
	time.Sleep(1 * time.Second)
	slog.Info("audit worker stopped")
}
