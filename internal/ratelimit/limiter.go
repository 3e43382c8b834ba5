package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	RouteQuote   = "quote"
	RouteConfirm = "confirm"
)

// Rule bounds admissions per fingerprint within a rolling window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Rules maps route classes to their rule. It decodes from
// "quote=20/60s,confirm=5/60s" for envconfig.
type Rules map[string]Rule

func (r *Rules) Decode(value string) error {
	out := Rules{}
	value = strings.TrimSpace(value)
	if value == "" {
		*r = out
		return nil
	}
	for _, part := range strings.Split(value, ",") {
		name, rule, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("decode rate rule %q: missing '='", part)
		}
		limitStr, windowStr, ok := strings.Cut(rule, "/")
		if !ok {
			return fmt.Errorf("decode rate rule %q: missing '/'", part)
		}
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("decode rate rule %q: %w", part, err)
		}
		window, err := time.ParseDuration(windowStr)
		if err != nil {
			return fmt.Errorf("decode rate rule %q: %w", part, err)
		}
		out[strings.TrimSpace(name)] = Rule{Limit: limit, Window: window}
	}
	*r = out
	return nil
}

func DefaultRules() Rules {
	return Rules{
		RouteQuote:   {Limit: 20, Window: time.Minute},
		RouteConfirm: {Limit: 5, Window: time.Minute},
	}
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// LimitedError is returned by callers that turn a denial into an error.
type LimitedError struct {
	RouteClass string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.RouteClass, e.RetryAfter)
}

// RetryAfterSeconds rounds up and never returns less than one second.
func (e *LimitedError) RetryAfterSeconds() int {
	seconds := int(math.Ceil(e.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Store performs the atomic increment-and-compare for one bucket.
type Store interface {
	Take(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Config struct {
	Rules    Rules
	FailOpen bool
}

type Limiter struct {
	store  Store
	cfg    Config
	clock  Clock
	logger *zap.Logger
}

func New(store Store, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, cfg: cfg, clock: systemClock{}, logger: logger}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(c Clock) *Limiter {
	l.clock = c
	return l
}

// Admit counts one request for the fingerprint on the route class. Route
// classes without a rule are always admitted.
func (l *Limiter) Admit(ctx context.Context, fingerprint, routeClass string) (Decision, error) {
	rule, ok := l.cfg.Rules[routeClass]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}, nil
	}
	if fingerprint == "" {
		fingerprint = "anonymous"
	}
	key := strings.Join([]string{"rl", routeClass, fingerprint}, ":")
	decision, err := l.store.Take(ctx, key, rule, l.clock.Now())
	if err != nil {
		degradedTotal.WithLabelValues(routeClass, strconv.FormatBool(l.cfg.FailOpen)).Inc()
		l.logger.Warn("rate limit store unavailable, degraded mode",
			zap.String("route_class", routeClass),
			zap.Bool("fail_open", l.cfg.FailOpen),
			zap.Error(err))
		if l.cfg.FailOpen {
			return Decision{Allowed: true, Limit: rule.Limit}, nil
		}
		return Decision{Allowed: false, Limit: rule.Limit, RetryAfter: rule.Window}, nil
	}
	decisionsTotal.WithLabelValues(routeClass, strconv.FormatBool(decision.Allowed)).Inc()
	return decision, nil
}

// Check is Admit returning a *LimitedError on denial.
func (l *Limiter) Check(ctx context.Context, fingerprint, routeClass string) error {
	if l == nil {
		return nil
	}
	decision, err := l.Admit(ctx, fingerprint, routeClass)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &LimitedError{RouteClass: routeClass, RetryAfter: decision.RetryAfter}
	}
	return nil
}
