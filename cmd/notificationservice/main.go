package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/notify"
	"github.com/example/dockhold/pkg/config"
	"github.com/example/dockhold/pkg/events"
	"github.com/example/dockhold/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.New("", map[string]any{
		"http_addr":         ":8082",
		"log_level":         "info",
		"notify_subject":    events.DefaultSubject,
		"sse_heartbeat_sec": 15,
	})

	logger := observability.SetupLogger("notification-service", cfg.String("log_level"))
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "notification-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	hub := notify.NewHub(logger.Named("hub"))
	checks := map[string]observability.HealthCheck{}

	if url := cfg.String("nats_url"); url != "" {
		conn, err := nats.Connect(url, nats.Name("notificationservice"))
		if err != nil {
			logger.Fatal("nats connect", zap.Error(err))
		}
		defer conn.Drain()
		checks["nats"] = func(context.Context) error {
			if !conn.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
		sub := notify.NewSubscriber(conn, cfg.String("notify_subject"), hub, logger.Named("subscriber"))
		go func() {
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification subscriber stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("NATS_URL not set, only the internal push endpoint feeds the hub")
	}

	r := chi.NewRouter()
	r.Mount("/", notify.NewHTTP(hub, cfg.Seconds("sse_heartbeat_sec"), logger.Named("http")).Router())
	r.Mount("/observability", observability.MetricsRouter(checks))

	// Streaming responses must not be cut by a write timeout.
	srv := &http.Server{
		Addr:              cfg.String("http_addr"),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("notification service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
