package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	httpadapter "github.com/couchcryptid/weather-alert-pipeline/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/weather-alert-pipeline/internal/adapter/kafka"
	"github.com/couchcryptid/weather-alert-pipeline/internal/adapter/nominatim"
	"github.com/couchcryptid/weather-alert-pipeline/internal/alert"
	"github.com/couchcryptid/weather-alert-pipeline/internal/config"
	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/ingest"
	"github.com/couchcryptid/weather-alert-pipeline/internal/observability"
	"github.com/couchcryptid/weather-alert-pipeline/internal/resolve"
	"github.com/couchcryptid/weather-alert-pipeline/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogFormat, cfg.LogLevel)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, clock, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Geocoder chain: Nominatim client, optionally fronted by a shared Redis
	// cache, always fronted by the in-process LRU.
	var geocoder domain.Geocoder = nominatim.NewClient(
		cfg.NominatimBaseURL, cfg.NominatimUserAgent, cfg.NominatimTimeout, metrics, logger)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		geocoder = nominatim.NewRedisGeocoder(geocoder, rdb, cfg.GeocodeTTL, metrics, logger)
		logger.Info("redis geocode cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.GeocodeTTL)
	}
	geocoder = nominatim.NewCachedGeocoder(geocoder, cfg.GeocodeCacheSize, metrics)

	resolver := resolve.New(store, geocoder, logger,
		resolve.WithRateLimit(rate.Limit(cfg.GeocodeRateLimit), 1))

	alertCfg := alert.DefaultConfig()
	alertCfg.TTL = cfg.AlertTTL
	alertCfg.RainWindow = cfg.RainWindow
	engine, err := alert.NewEngine(alertCfg, clock, logger)
	if err != nil {
		logger.Error("failed to build alert engine", "error", err)
		os.Exit(1)
	}

	opts := []ingest.Option{ingest.WithWorkers(cfg.Workers)}
	var notifier *kafkaadapter.Notifier
	if cfg.KafkaEnabled {
		notifier = kafkaadapter.NewNotifier(cfg.KafkaBrokers, cfg.KafkaAlertTopic, logger)
		opts = append(opts, ingest.WithNotifier(notifier))
	}
	coordinator := ingest.New(store, resolver, engine, clock, logger, metrics, opts...)

	srv := httpadapter.NewServer(cfg.HTTPAddr, coordinator, store, clock, logger)

	// Start HTTP server.
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start Kafka consumer when brokers are configured.
	var consumer *kafkaadapter.Consumer
	if cfg.KafkaEnabled {
		consumer = kafkaadapter.NewConsumer(
			cfg.KafkaBrokers, cfg.KafkaRawTopic, cfg.KafkaGroupID, cfg.BatchSize, coordinator, metrics, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	// Background sweep closes alerts whose expiry lapsed without the lazy
	// paths ever touching them, and keeps the active-alert gauge current.
	go sweepAlerts(ctx, store, clock, cfg.SweepInterval, metrics, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Error("kafka consumer close error", "error", err)
		}
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Error("kafka notifier close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// newStore selects Postgres when a DSN is configured and the in-memory store
// otherwise. The memory store is for local runs; it loses everything on exit.
func newStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no DATABASE_URL configured, using in-memory storage")
		return storage.NewMemory(clock, cfg.CoordinateTolerance), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pg, err := storage.NewPostgres(connectCtx, cfg.DatabaseURL, cfg.CoordinateTolerance)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(connectCtx); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("connected to postgres")
	return pg, nil
}

func sweepAlerts(ctx context.Context, store storage.Store, clock clockwork.Clock, interval time.Duration, metrics *observability.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := clock.Now()
		closed, err := store.ExpireAlerts(ctx, now)
		if err != nil {
			logger.Warn("alert expiry sweep failed", "error", err)
			continue
		}
		if closed > 0 {
			metrics.AlertsExpired.Add(float64(closed))
			logger.Info("expired alerts closed", "count", closed)
		}

		active, err := store.ActiveAlerts(ctx, 0, now)
		if err != nil {
			logger.Warn("active alert count failed", "error", err)
			continue
		}
		metrics.ActiveAlerts.Set(float64(len(active)))
	}
}
