package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/dockhold/internal/http/middleware"
	"github.com/example/dockhold/internal/reservation/domain"
	"github.com/example/dockhold/internal/reservation/expiry"
	"github.com/example/dockhold/internal/reservation/handler"
	"github.com/example/dockhold/internal/reservation/service"
	"github.com/example/dockhold/internal/reservation/store"
	"github.com/example/dockhold/internal/reservation/telemetry"
	slotclient "github.com/example/dockhold/internal/slot/client"
	"github.com/example/dockhold/pkg/config"
	"github.com/example/dockhold/pkg/events"
	"github.com/example/dockhold/pkg/observability"
)

type appConfig struct {
	HTTPAddr          string
	GRPCAddr          string
	LogLevel          string
	RedisAddr         string
	RedisDB           int
	RedisConfigure    bool
	NATSURL           string
	NotifySubject     string
	SlotRegistryURL   string
	TTL               time.Duration
	ReleaseAttempts   int
	ReleaseBackoff    time.Duration
	RequestTimeout    time.Duration
	ReleaseFailure    service.ReleaseFailurePolicy
	IdempotencyTTL    time.Duration
	RateLimitPerSec   float64
	RateLimitBurst    float64
	DelayRetryBackoff time.Duration
	DelayMaxInFlight  int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	logger := observability.SetupLogger("trip-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "trip-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	if cfg.RedisAddr == "" {
		logger.Fatal("REDIS_ADDR is required")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping", zap.Error(err))
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("tripservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed, delay bus and notifications disabled", zap.Error(err))
		}
	}

	busCfg := expiry.DelayBusConfig{TTL: cfg.TTL, RetryDelay: cfg.DelayRetryBackoff, MaxInFlight: cfg.DelayMaxInFlight}
	var (
		scheduler domain.ExpiryScheduler = keyspaceOnly{logger: logger}
		js        nats.JetStreamContext
	)
	if natsConn != nil {
		js, err = natsConn.JetStream()
		if err != nil {
			logger.Fatal("jetstream context", zap.Error(err))
		}
		publisher := expiry.NewDelayBus(js, nil, busCfg, logger.Named("delaybus"))
		if err := publisher.EnsureStream(ctx); err != nil {
			logger.Fatal("ensure delay stream", zap.Error(err))
		}
		scheduler = publisher
	}

	reservations := store.NewRedisStore(redisClient, store.Options{})
	svc, err := service.New(service.Deps{
		Store:       reservations,
		Scheduler:   scheduler,
		Slots:       slotclient.NewHTTP(cfg.SlotRegistryURL, cfg.RequestTimeout),
		Notifier:    events.NewPublisher(natsConn, cfg.NotifySubject),
		Trips:       reservations,
		Idempotency: store.NewRedisIdempotencyRepo(redisClient, cfg.IdempotencyTTL),
		Logger:      logger.Named("reservations"),
	}, service.Config{
		TTL:                cfg.TTL,
		ReleaseMaxAttempts: cfg.ReleaseAttempts,
		ReleaseBackoff:     cfg.ReleaseBackoff,
		RequestTimeout:     cfg.RequestTimeout,
		ReleaseFailure:     cfg.ReleaseFailure,
	})
	if err != nil {
		logger.Fatal("reservation service", zap.Error(err))
	}

	listener := expiry.NewKeyspaceListener(redisClient, reservations, svc,
		expiry.KeyspaceConfig{DB: cfg.RedisDB, ConfigureServer: cfg.RedisConfigure}, logger.Named("keyspace"))
	go runUntilCancelled(ctx, logger, "keyspace listener", listener.Run)

	if js != nil {
		consumer := expiry.NewDelayBus(js, svc, busCfg, logger.Named("delaybus"))
		go runUntilCancelled(ctx, logger, "delay bus", consumer.Run)
	}

	limiter := middleware.NewRateLimiter(redisClient, "trip-start", middleware.RateConfig{
		Rate:  cfg.RateLimitPerSec,
		Burst: cfg.RateLimitBurst,
	})
	reservationHTTP := handler.NewHTTP(svc, handler.WithCreateMiddleware(limiter.Middleware))

	checks := map[string]observability.HealthCheck{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	if natsConn != nil {
		checks["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}

	r := chi.NewRouter()
	r.Mount("/", reservationHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	telemetry.RegisterDockServer(grpcServer, telemetry.NewServer(svc, logger.Named("telemetry")))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		logger.Info("dock telemetry listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("trip service listening", zap.String("addr", srv.Addr), zap.Duration("reservation_ttl", svc.TTL()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	_ = srv.Shutdown(shutdownCtx)
}

// keyspaceOnly stands in for the delay bus when NATS is not configured; expirations
// then rely on Redis keyspace events alone.
type keyspaceOnly struct {
	logger *zap.Logger
}

func (k keyspaceOnly) Schedule(_ context.Context, r domain.Reservation) error {
	k.logger.Debug("delay bus disabled, relying on keyspace expiry", zap.String("reservation_id", r.ID))
	return nil
}

func runUntilCancelled(ctx context.Context, logger *zap.Logger, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(name+" stopped", zap.Error(err))
	}
}

func loadConfig() appConfig {
	l := config.New("", map[string]any{
		"http_addr":            ":8080",
		"grpc_addr":            ":9090",
		"log_level":            "info",
		"redis_db":             0,
		"redis_configure":      true,
		"notify_subject":       events.DefaultSubject,
		"slot_registry_url":    "http://localhost:8081",
		"reservation_ttl_sec":  600,
		"release_max_attempts": 5,
		"release_backoff_ms":   200,
		"request_timeout_ms":   5000,
		"release_failure":      string(service.ReleaseFailureRecord),
		"idempotency_ttl_sec":  86400,
		"rate_limit_per_sec":   1.0,
		"rate_limit_burst":     5.0,
		"delay_retry_ms":       2000,
		"delay_max_in_flight":  65536,
	})
	return appConfig{
		HTTPAddr:          l.String("http_addr"),
		GRPCAddr:          l.String("grpc_addr"),
		LogLevel:          l.String("log_level"),
		RedisAddr:         l.String("redis_addr"),
		RedisDB:           l.Int("redis_db"),
		RedisConfigure:    l.Bool("redis_configure"),
		NATSURL:           l.String("nats_url"),
		NotifySubject:     l.String("notify_subject"),
		SlotRegistryURL:   l.String("slot_registry_url"),
		TTL:               l.Seconds("reservation_ttl_sec"),
		ReleaseAttempts:   l.Int("release_max_attempts"),
		ReleaseBackoff:    l.Millis("release_backoff_ms"),
		RequestTimeout:    l.Millis("request_timeout_ms"),
		ReleaseFailure:    service.ReleaseFailurePolicy(l.String("release_failure")),
		IdempotencyTTL:    l.Seconds("idempotency_ttl_sec"),
		RateLimitPerSec:   l.Float("rate_limit_per_sec"),
		RateLimitBurst:    l.Float("rate_limit_burst"),
		DelayRetryBackoff: l.Millis("delay_retry_ms"),
		DelayMaxInFlight:  l.Int("delay_max_in_flight"),
	}
}
