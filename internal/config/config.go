package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory store,
	// which is only suitable for local development.
	DatabaseURL string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Kafka ingestion. Disabled when no brokers are configured; the HTTP
	// ingestion endpoints work either way.
	KafkaBrokers    []string
	KafkaRawTopic   string
	KafkaAlertTopic string
	KafkaGroupID    string
	KafkaEnabled    bool

	BatchSize int
	Workers   int

	// Location resolution.
	CoordinateTolerance float64
	NominatimBaseURL    string
	NominatimUserAgent  string
	NominatimTimeout    time.Duration
	GeocodeCacheSize    int
	GeocodeRateLimit    float64

	// Redis geocode cache, shared across instances when set.
	RedisAddr  string
	GeocodeTTL time.Duration

	// Alert lifecycle.
	AlertTTL      time.Duration
	RainWindow    time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from the environment, applying defaults where
// unset. A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	nominatimTimeout, err := parseDuration("NOMINATIM_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	geocodeTTL, err := parseDuration("GEOCODE_CACHE_TTL", "24h")
	if err != nil {
		return nil, err
	}
	alertTTL, err := parseDuration("ALERT_TTL", "6h")
	if err != nil {
		return nil, err
	}
	rainWindow, err := parseDuration("RAIN_WINDOW", "1h")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := parseDuration("SWEEP_INTERVAL", "1m")
	if err != nil {
		return nil, err
	}

	batchSize, err := parsePositiveInt("BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	workers, err := parsePositiveInt("INGEST_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	cacheSize, err := parsePositiveInt("GEOCODE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	tolerance, err := parsePositiveFloat("COORDINATE_TOLERANCE", 0.01)
	if err != nil {
		return nil, err
	}
	rateLimit, err := parsePositiveFloat("GEOCODE_RATE_LIMIT", 1)
	if err != nil {
		return nil, err
	}

	brokers := parseBrokers(os.Getenv("KAFKA_BROKERS"))

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaBrokers:    brokers,
		KafkaRawTopic:   envOrDefault("KAFKA_RAW_TOPIC", "raw-weather-payloads"),
		KafkaAlertTopic: envOrDefault("KAFKA_ALERT_TOPIC", "weather-alerts"),
		KafkaGroupID:    envOrDefault("KAFKA_GROUP_ID", "weather-alert-pipeline"),
		KafkaEnabled:    len(brokers) > 0,

		BatchSize: batchSize,
		Workers:   workers,

		CoordinateTolerance: tolerance,
		NominatimBaseURL:    envOrDefault("NOMINATIM_BASE_URL", "https://nominatim.openstreetmap.org"),
		NominatimUserAgent:  envOrDefault("NOMINATIM_USER_AGENT", "weather-alert-pipeline/1.0"),
		NominatimTimeout:    nominatimTimeout,
		GeocodeCacheSize:    cacheSize,
		GeocodeRateLimit:    rateLimit,

		RedisAddr:  os.Getenv("REDIS_ADDR"),
		GeocodeTTL: geocodeTTL,

		AlertTTL:      alertTTL,
		RainWindow:    rainWindow,
		SweepInterval: sweepInterval,
	}

	if cfg.KafkaEnabled {
		if cfg.KafkaRawTopic == "" {
			return nil, errors.New("KAFKA_RAW_TOPIC is required when KAFKA_BROKERS is set")
		}
		if cfg.KafkaAlertTopic == "" {
			return nil, errors.New("KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set")
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

func parseDuration(key, fallback string) (time.Duration, error) {
	s := envOrDefault(key, fallback)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

func parsePositiveFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return f, nil
}
