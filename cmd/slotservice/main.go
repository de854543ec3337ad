package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/dockhold/internal/outbox"
	"github.com/example/dockhold/internal/slot/domain"
	"github.com/example/dockhold/internal/slot/handler"
	"github.com/example/dockhold/internal/slot/registry"
	"github.com/example/dockhold/internal/slot/repository"
	"github.com/example/dockhold/pkg/config"
	"github.com/example/dockhold/pkg/observability"
)

type appConfig struct {
	HTTPAddr    string
	LogLevel    string
	PostgresDSN string
	NATSURL     string
	EventTopic  string
	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("slot-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "slot-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("slotservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var repo domain.Repository
	if db != nil {
		pg := repository.NewPostgresRepository(db, cfg.EventTopic)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		repo = pg
	} else {
		logger.Warn("POSTGRES_DSN not set, slots are kept in memory")
		repo = repository.NewMemoryRepository()
	}

	reg := registry.New(repo, nil, logger.Named("registry"))

	checks := map[string]observability.HealthCheck{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}

	r := chi.NewRouter()
	r.Mount("/", handler.NewHTTP(reg).Router())
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		relay := outbox.NewRelay(db, natsConn, logger.Named("outbox"), outbox.RelayConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			MaxAttempts:  cfg.OutboxRetry,
		})
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox relay stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("slot event relay disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("slot service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	l := config.New("", map[string]any{
		"http_addr":        ":8081",
		"log_level":        "info",
		"slot_event_topic": outbox.DefaultSubject,
		"outbox_poll_ms":   200,
		"outbox_batch":     100,
		"outbox_retry_max": 3,
	})
	return appConfig{
		HTTPAddr:    l.String("http_addr"),
		LogLevel:    l.String("log_level"),
		PostgresDSN: l.FirstString("postgres_dsn", "database_url"),
		NATSURL:     l.String("nats_url"),
		EventTopic:  l.String("slot_event_topic"),
		OutboxPoll:  l.Millis("outbox_poll_ms"),
		OutboxBatch: l.Int("outbox_batch"),
		OutboxRetry: l.Int("outbox_retry_max"),
	}
}
