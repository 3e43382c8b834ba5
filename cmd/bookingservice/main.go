package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/stationbook/internal/booking/domain"
	"github.com/example/stationbook/internal/booking/handler"
	"github.com/example/stationbook/internal/booking/repository"
	"github.com/example/stationbook/internal/booking/service"
	"github.com/example/stationbook/internal/booking/webhook"
	"github.com/example/stationbook/internal/geo"
	outboxworker "github.com/example/stationbook/internal/outbox"
	"github.com/example/stationbook/internal/pricing"
	"github.com/example/stationbook/internal/ratelimit"
	"github.com/example/stationbook/pkg/observability"
	outboxpkg "github.com/example/stationbook/pkg/outbox"
)

const serviceName = "booking-service"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger(serviceName)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, serviceName)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	checks := observability.Checks{}

	var db *sqlx.DB
	if cfg.PostgresDSN != "" {
		db, err = sqlx.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if err := repository.Migrate(db.DB, logger.Named("migrate")); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	sink, closeSink := buildSink(cfg, logger)
	defer closeSink()

	calc, err := pricing.NewCalculator(cfg.TravelFeeTiers)
	if err != nil {
		logger.Fatal("travel fee tiers", zap.Error(err))
	}

	var (
		store      domain.Store
		ledger     domain.Ledger
		quotes     domain.QuoteStore
		geoStore   geo.Store
		limitStore ratelimit.Store
		events     domain.EventPublisher
	)
	if db != nil {
		repo := repository.NewPostgresRepository(db, domain.SystemClock{})
		store, ledger = repo, repo
	} else {
		logger.Warn("POSTGRES_DSN not set, bookings are kept in memory")
		repo := repository.NewMemoryRepository(domain.SystemClock{})
		store, ledger = repo, repo
		// Without an outbox, events go straight to the broker.
		events = outboxpkg.NewPublisher(sink, repository.EventsTopic)
	}
	if redisClient != nil {
		quotes = repository.NewRedisQuoteStore(redisClient, "")
		geoStore = geo.NewRedisStore(redisClient, "")
		limitStore = ratelimit.NewRedisStore(redisClient)
	} else {
		logger.Warn("REDIS_ADDR not set, limiter and caches are per process")
		memQuotes := repository.NewMemoryQuoteStore()
		memGeo := geo.NewMemoryStore()
		memLimits := ratelimit.NewMemoryStore()
		quotes, geoStore, limitStore = memQuotes, memGeo, memLimits
		go func() { _ = memLimits.Run(ctx, time.Minute) }()
		go janitor(ctx, time.Minute, func(now time.Time) int {
			return memQuotes.Purge(now) + memGeo.Purge(now)
		})
	}

	limiter := ratelimit.New(limitStore, ratelimit.Config{Rules: cfg.RateLimits, FailOpen: cfg.RateFailOpen}, logger.Named("ratelimit"))
	distances := geo.NewCache(
		geo.NewHTTPProvider(cfg.GeoBaseURL, cfg.GeoAPIKey, cfg.GeoTimeout),
		geoStore,
		cfg.Stations,
		logger.Named("geo"),
		geo.CacheConfig{
			TTL:         cfg.GeoCacheTTL,
			CallTimeout: cfg.GeoTimeout,
			Retry:       geo.RetryPolicy{MaxAttempts: cfg.GeoRetries, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2},
			Tier:        calc.TierIndex,
		},
	)

	svc := service.New(service.Deps{
		Store:     store,
		Quotes:    quotes,
		Stations:  cfg.Stations,
		Limiter:   limiter,
		Distances: distances,
		Fees:      calc,
		Events:    events,
		Logger:    logger.Named("booking"),
	}, service.Config{
		QuoteTTL:         cfg.QuoteTTL,
		Buffer:           cfg.buffer(),
		DepositCents:     cfg.DepositCents,
		MaxEventDuration: cfg.MaxEventDuration,
	})
	processor := webhook.NewProcessor(store, ledger,
		webhook.NewVerifier(cfg.WebhookSecrets, cfg.WebhookTolerance),
		events, domain.SystemClock{}, logger.Named("webhook"),
		webhook.Config{Lease: cfg.WebhookLease})

	sweeper := service.NewSweeper(svc, service.SweeperConfig{
		Interval:        cfg.SweepInterval,
		PaymentGrace:    cfg.PaymentGrace,
		DepositDeadline: cfg.DepositDeadline,
	}, logger.Named("sweeper"))
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	if db != nil && sink != nil {
		worker := outboxworker.NewWorker(db, sink, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
			MaxAttempts:  cfg.OutboxMaxAttempts,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("sink", sink != nil))
	}

	health := observability.NewHealthServer(serviceName, checks, logger.Named("health"))
	go func() {
		if err := health.ServeGRPC(ctx, cfg.GRPCAddr, 10*time.Second); err != nil {
			logger.Error("grpc health server", zap.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Mount("/", handler.NewHTTP(svc, processor, cfg.JWTSecret, cfg.TrustedProxies, logger.Named("http")).Router())
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("booking service listening", zap.String("addr", srv.Addr), zap.Int("stations", len(cfg.Stations)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildSink connects the configured event broker. A nil sink disables event
// delivery.
func buildSink(cfg appConfig, logger *zap.Logger) (outboxworker.Sink, func()) {
	useAMQP := strings.EqualFold(cfg.EventBroker, "amqp") || (cfg.NATSURL == "" && cfg.AMQPURL != "")
	if useAMQP && cfg.AMQPURL != "" {
		sink, err := outboxpkg.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn("amqp connection failed", zap.Error(err))
			return nil, func() {}
		}
		return sink, func() { _ = sink.Close() }
	}
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("bookingservice"))
		if err != nil {
			logger.Warn("nats connection failed", zap.Error(err))
			return nil, func() {}
		}
		return outboxpkg.NewNATSSink(conn), func() { _ = conn.Drain() }
	}
	logger.Warn("no event broker configured, booking events are not delivered")
	return nil, func() {}
}

func janitor(ctx context.Context, every time.Duration, purge func(now time.Time) int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purge(now.UTC())
		}
	}
}
