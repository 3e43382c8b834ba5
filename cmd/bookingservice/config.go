package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/example/stationbook/internal/booking/domain"
	apimw "github.com/example/stationbook/internal/http/middleware"
	"github.com/example/stationbook/internal/pricing"
	"github.com/example/stationbook/internal/ratelimit"
)

type appConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_HEALTH_ADDR" default:":9090"`

	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	NATSURL     string `envconfig:"NATS_URL"`
	AMQPURL     string `envconfig:"AMQP_URL"`
	// EventBroker picks the sink when both NATS and AMQP are configured.
	EventBroker       string        `envconfig:"EVENT_BROKER" default:"nats"`
	AMQPExchange      string        `envconfig:"AMQP_EXCHANGE" default:"stationbook"`
	OutboxPoll        time.Duration `envconfig:"OUTBOX_POLL" default:"200ms"`
	OutboxBatch       int           `envconfig:"OUTBOX_BATCH" default:"100"`
	OutboxRetry       int           `envconfig:"OUTBOX_RETRY_MAX" default:"3"`
	OutboxMaxAttempts int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"10"`

	JWTSecret string `envconfig:"JWT_SECRET"`
	// TrustedProxies may set X-Forwarded-For; everyone else is identified by
	// the connection peer.
	TrustedProxies apimw.TrustedProxies `envconfig:"TRUSTED_PROXIES"`

	GeoBaseURL  string        `envconfig:"GEO_BASE_URL" required:"true"`
	GeoAPIKey   string        `envconfig:"GEO_API_KEY"`
	GeoTimeout  time.Duration `envconfig:"GEO_TIMEOUT" default:"3s"`
	GeoCacheTTL time.Duration `envconfig:"GEO_CACHE_TTL" default:"720h"`
	GeoRetries  int           `envconfig:"GEO_MAX_ATTEMPTS" default:"3"`

	Stations       domain.Stations   `envconfig:"STATIONS" required:"true"`
	TravelFeeTiers pricing.TierTable `envconfig:"TRAVEL_FEE_TIERS"`
	RateLimits     ratelimit.Rules   `envconfig:"RATE_LIMITS"`
	RateFailOpen   bool              `envconfig:"RATE_LIMIT_FAIL_OPEN" default:"false"`

	QuoteTTL         time.Duration `envconfig:"QUOTE_TTL" default:"10m"`
	BufferMinutes    int           `envconfig:"BUFFER_MINUTES" default:"60"`
	DepositCents     int64         `envconfig:"DEPOSIT_CENTS" default:"10000"`
	MaxEventDuration time.Duration `envconfig:"MAX_EVENT_DURATION" default:"12h"`

	WebhookSecrets   []string      `envconfig:"WEBHOOK_SECRETS" required:"true"`
	WebhookTolerance time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`
	WebhookLease     time.Duration `envconfig:"WEBHOOK_LEASE" default:"2m"`

	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	PaymentGrace    time.Duration `envconfig:"PAYMENT_GRACE" default:"24h"`
	DepositDeadline time.Duration `envconfig:"DEPOSIT_DEADLINE" default:"72h"`
}

// loadConfig reads an optional .env file and then the process environment.
func loadConfig(envFiles ...string) (appConfig, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Missing files are fine; the environment may carry everything.
		_ = godotenv.Load(f)
	}
	var cfg appConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return appConfig{}, err
	}
	if len(cfg.TravelFeeTiers) == 0 {
		cfg.TravelFeeTiers = pricing.DefaultTiers()
	}
	return cfg, cfg.validate()
}

func (c appConfig) validate() error {
	var errs []error
	if len(c.Stations) == 0 {
		errs = append(errs, errors.New("STATIONS must list at least one station"))
	}
	if c.BufferMinutes < 0 {
		errs = append(errs, errors.New("BUFFER_MINUTES must not be negative"))
	}
	if c.DepositCents < 0 {
		errs = append(errs, errors.New("DEPOSIT_CENTS must not be negative"))
	}
	switch strings.ToLower(c.EventBroker) {
	case "nats", "amqp":
	default:
		errs = append(errs, fmt.Errorf("EVENT_BROKER %q must be nats or amqp", c.EventBroker))
	}
	return errors.Join(errs...)
}

func (c appConfig) buffer() time.Duration {
	return time.Duration(c.BufferMinutes) * time.Minute
}
