package nominatim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/observability"
)

// RedisGeocoder wraps a Geocoder with a Redis cache so multiple pipeline
// instances share lookups. Cache failures degrade to the inner geocoder and
// are never surfaced to callers.
type RedisGeocoder struct {
	inner   domain.Geocoder
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRedisGeocoder creates a Redis cache decorator around a geocoder.
func NewRedisGeocoder(inner domain.Geocoder, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics, logger *slog.Logger) *RedisGeocoder {
	return &RedisGeocoder{
		inner:   inner,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

func (g *RedisGeocoder) Geocode(ctx context.Context, query string) (domain.GeocodingResult, error) {
	return g.lookup(ctx, "forward", "geocode:fwd:"+query, func() (domain.GeocodingResult, error) {
		return g.inner.Geocode(ctx, query)
	})
}

func (g *RedisGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.GeocodingResult, error) {
	key := fmt.Sprintf("geocode:rev:%.6f,%.6f", lat, lon)
	return g.lookup(ctx, "reverse", key, func() (domain.GeocodingResult, error) {
		return g.inner.ReverseGeocode(ctx, lat, lon)
	})
}

func (g *RedisGeocoder) lookup(ctx context.Context, method, key string, fetch func() (domain.GeocodingResult, error)) (domain.GeocodingResult, error) {
	cached, err := g.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var result domain.GeocodingResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			g.metrics.GeocodeCache.WithLabelValues(method, "hit").Inc()
			return result, nil
		}
		g.logger.Warn("corrupt geocode cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		g.logger.Warn("geocode cache read failed", "key", key, "error", err)
	}
	g.metrics.GeocodeCache.WithLabelValues(method, "miss").Inc()

	result, err := fetch()
	if err != nil {
		return result, err
	}

	if data, err := json.Marshal(result); err == nil {
		if err := g.rdb.Set(ctx, key, data, g.ttl).Err(); err != nil {
			g.logger.Warn("geocode cache write failed", "key", key, "error", err)
		}
	}
	return result, nil
}
