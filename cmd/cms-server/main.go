package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvas-cms/internal/config"
	"canvas-cms/internal/domain"
	"canvas-cms/internal/handler"
	"canvas-cms/internal/messaging"
	"canvas-cms/internal/middleware"
	"canvas-cms/internal/observability"
	"canvas-cms/internal/ratelimit"
	"canvas-cms/internal/repository/postgres"
	"canvas-cms/internal/security"
	"canvas-cms/internal/service"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	observability.InitLogger(logLevel, logFormat)

	slog.Info("starting cms auth server")

	// The signing secret is validated by config already; constructing the
	// codec re-checks it so no code path can serve requests without it.
	codec, err := security.NewTokenCodec(cfg.TokenSecret)
	if err != nil {
		slog.Error("invalid token signing secret", slog.String("error", err.Error()))
		os.Exit(1)
	}

	connCtx, connCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connCancel()

	db, err := config.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(connCtx); err != nil {
		slog.Error("database ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to postgresql")

	rmqCtx, rmqCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer rmqCancel()

	rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counterStore, stopStore := newCounterStore(ctx, cfg)
	defer stopStore()
	limiter := ratelimit.New(counterStore)

	userRepo := postgres.NewUserRepository(db)

	sessionRepo, err := postgres.NewSessionRepository(db)
	if err != nil {
		slog.Error("failed to initialize session repository", slog.String("error", err.Error()))
		os.Exit(1)
	}

	csrfRepo, err := postgres.NewCSRFRepository(db)
	if err != nil {
		slog.Error("failed to initialize csrf repository", slog.String("error", err.Error()))
		os.Exit(1)
	}

	audit := messaging.NewAuditPublisher(rmq)
	sessionService := service.NewSessionService(codec, sessionRepo, audit)
	csrfManager := security.NewCSRFManager(csrfRepo)
	authService := service.NewAuthService(userRepo, sessionService, limiter, audit)

	go startSessionCleanup(ctx, sessionRepo, csrfRepo)
	slog.Info("session cleanup task started")

	authHandler := handler.NewAuthHandler(authService, sessionService, csrfManager, cfg.IsProduction())

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.AllowedOrigins)))
	r.Use(middleware.Metrics())
	r.Use(middleware.OpenAPIValidator(middleware.DefaultOpenAPIValidatorConfig()))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(db, rmq))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		loginThrottle := middleware.NewIPThrottle(ctx, 5, 10)
		apiThrottle := middleware.NewIPThrottle(ctx, 20, 50)

		r.Group(func(r chi.Router) {
			r.Use(loginThrottle.Middleware())
			r.Post("/auth/login", authHandler.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(sessionService, cfg.IsProduction()))
			r.Use(middleware.CSRF(csrfManager))
			r.Use(apiThrottle.Middleware())
			r.Use(middleware.Quota(limiter))

			r.Get("/auth/me", authHandler.Me)
			r.Get("/auth/csrf", authHandler.CSRFToken)
			r.Post("/auth/logout", authHandler.Logout)
			r.Post("/auth/logout-others", authHandler.LogoutOthers)
			r.Delete("/auth/sessions/{id}", authHandler.TerminateSession)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cms auth server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	slog.Info("server stopped gracefully")
}

// newCounterStore picks the rate-limit counter backing: a shared redis
// counter when REDIS_URL is configured (multi-instance deployments), the
// in-process map otherwise.
func newCounterStore(ctx context.Context, cfg *config.Config) (ratelimit.CounterStore, func()) {
	if cfg.RedisURL == "" {
		store := ratelimit.NewMemoryStore(ctx)
		slog.Info("using in-memory rate limit counters")
		return store, store.Stop
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := redis.NewClient(opts)
	slog.Info("using redis rate limit counters")
	return ratelimit.NewRedisStore(client), func() { client.Close() }
}

// startSessionCleanup runs a background task that deletes expired sessions
// and stale CSRF tokens.
func startSessionCleanup(ctx context.Context, sessions domain.SessionRepository, csrf domain.CSRFRepository) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping session cleanup task")
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

			count, err := sessions.DeleteExpired(cleanupCtx)
			if err != nil {
				slog.Error("session cleanup failed", slog.String("error", err.Error()))
			} else {
				slog.Info("session cleanup completed",
					slog.Int64("sessions_deleted", count))
			}

			stale, err := csrf.DeleteStale(cleanupCtx, security.CSRFTokenLifetime)
			if err != nil {
				slog.Error("csrf cleanup failed", slog.String("error", err.Error()))
			} else if stale > 0 {
				slog.Info("csrf cleanup completed",
					slog.Int64("tokens_deleted", stale))
			}

			cancel()
		}
	}
}
