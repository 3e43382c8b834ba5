package geo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// StationLocator resolves a station's home coordinates.
type StationLocator interface {
	Locate(stationID string) (lat, lon float64, ok bool)
}

// Distance is what callers get back from DistanceTo.
type Distance struct {
	Miles     float64
	Venue     Point
	Tier      int
	FetchedAt time.Time
	Cached    bool
}

type CacheConfig struct {
	TTL         time.Duration
	CallTimeout time.Duration
	Retry       RetryPolicy
	// Tier classifies a distance into a fee tier for the cache entry.
	Tier func(miles float64) int
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Cache fronts a Provider with a TTL cache and one in-flight upstream call
// per key.
type Cache struct {
	provider Provider
	store    Store
	stations StationLocator
	cfg      CacheConfig
	group    singleflight.Group
	clock    Clock
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewCache(provider Provider, store Store, stations StationLocator, logger *zap.Logger, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Tier == nil {
		cfg.Tier = func(float64) int { return 0 }
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		provider: provider,
		store:    store,
		stations: stations,
		cfg:      cfg,
		clock:    systemClock{},
		logger:   logger,
		tracer:   otel.Tracer("stationbook.geo"),
	}
}

// WithClock replaces the time source.
func (c *Cache) WithClock(clock Clock) *Cache {
	c.clock = clock
	return c
}

// NormalizeAddress folds case and whitespace so equivalent spellings share a
// cache entry.
func NormalizeAddress(address string) string {
	s := strings.ToLower(strings.Join(strings.Fields(address), " "))
	s = strings.ReplaceAll(s, " ,", ",")
	return strings.TrimRight(s, " ,.")
}

// CacheKey is station-relative because distance depends on the origin.
func CacheKey(address, stationID string) string {
	return NormalizeAddress(address) + "|" + stationID
}

// DistanceTo returns the distance from the station to the address.
func (c *Cache) DistanceTo(ctx context.Context, address, stationID string) (Distance, error) {
	lat, lon, ok := c.stations.Locate(stationID)
	if !ok {
		return Distance{}, ErrUnknownStation
	}
	key := CacheKey(address, stationID)

	if d, ok := c.lookup(ctx, key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return d, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// the shared call must outlive any one waiter's cancellation
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
		defer cancel()
		return c.fetch(fetchCtx, key, NormalizeAddress(address), stationID, Point{Lat: lat, Lon: lon})
	})
	select {
	case <-ctx.Done():
		return Distance{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			singleflightShared.Inc()
		}
		if res.Err != nil {
			return Distance{}, res.Err
		}
		return res.Val.(Distance), nil
	}
}

func (c *Cache) lookup(ctx context.Context, key string) (Distance, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("geo cache read failed", zap.String("key", key), zap.Error(err))
		return Distance{}, false
	}
	if !ok || !entry.Fresh(c.clock.Now()) {
		return Distance{}, false
	}
	return Distance{Miles: entry.DistanceMiles, Venue: entry.Venue, Tier: entry.Tier, FetchedAt: entry.FetchedAt, Cached: true}, true
}

func (c *Cache) fetch(ctx context.Context, key, address, stationID string, origin Point) (Distance, error) {
	ctx, span := c.tracer.Start(ctx, "geo.distance", trace.WithAttributes(attribute.String("station_id", stationID)))
	defer span.End()

	// a flight that finished just before this one started may have filled it
	if d, ok := c.lookup(ctx, key); ok {
		return d, nil
	}

	var lookup Lookup
	attempts, err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		upstreamCalls.Inc()
		start := time.Now()
		res, err := c.provider.Distance(ctx, address, origin)
		upstreamLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		lookup = res
		return nil
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		geoErr := classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(geoErr.Kind))
		upstreamErrors.WithLabelValues(string(geoErr.Kind)).Inc()
		c.logger.Warn("distance lookup failed",
			zap.String("station_id", stationID),
			zap.String("kind", string(geoErr.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return Distance{}, geoErr
	}

	now := c.clock.Now()
	entry := Entry{
		Key:           key,
		StationID:     stationID,
		DistanceMiles: lookup.DistanceMiles,
		Venue:         lookup.Venue,
		Tier:          c.cfg.Tier(lookup.DistanceMiles),
		FetchedAt:     now,
		ExpiresAt:     now.Add(c.cfg.TTL),
	}
	if err := c.store.Set(ctx, entry); err != nil {
		c.logger.Warn("geo cache write failed", zap.String("key", key), zap.Error(err))
	}
	return Distance{Miles: entry.DistanceMiles, Venue: entry.Venue, Tier: entry.Tier, FetchedAt: now}, nil
}

func classify(err error) *GeoError {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return &GeoError{Kind: KindQuotaExceeded, Err: err}
	case errors.Is(err, ErrAddressNotFound):
		return &GeoError{Kind: KindNotFound, Err: err}
	default:
		return &GeoError{Kind: KindUnavailable, Err: err}
	}
}
