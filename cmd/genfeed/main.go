// Command genfeed generates sample provider payloads for local testing. It
// emits JSON fixture files per provider, verified against the actual
// normalization layer so the output matches real pipeline behavior, and can
// optionally publish the payloads straight to the raw Kafka topic.
//
// Usage:
//
//	go run ./cmd/genfeed -out data/mock -hours 6
//	go run ./cmd/genfeed -brokers localhost:9092 -topic raw-weather-payloads
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/weather-alert-pipeline/internal/normalize"
)

var baseTime = time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)

type site struct {
	name string
	lat  float64
	lon  float64
	// baseline conditions the generator perturbs
	temp     float64
	humidity float64
	wind     float64
}

var sites = []site{
	{name: "Bogotá", lat: 4.6097, lon: -74.0817, temp: 14, humidity: 75, wind: 8},
	{name: "Medellín", lat: 6.2442, lon: -75.5812, temp: 22, humidity: 68, wind: 6},
	{name: "Cartagena", lat: 10.3910, lon: -75.4794, temp: 31, humidity: 85, wind: 18},
	{name: "Leticia", lat: -4.2153, lon: -69.9406, temp: 27, humidity: 92, wind: 4},
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	outDir := flag.String("out", "data/mock", "output directory for fixture files")
	hours := flag.Int("hours", 6, "hourly observations to generate per site")
	seed := flag.Int64("seed", 42, "random seed for reproducible fixtures")
	brokers := flag.String("brokers", "", "comma-separated Kafka brokers; when set, publish instead of writing files")
	topic := flag.String("topic", "raw-weather-payloads", "Kafka topic for published payloads")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	feeds := map[string][]json.RawMessage{
		normalize.ProviderOpenMeteo:   nil,
		normalize.ProviderOpenWeather: nil,
		normalize.ProviderWorldClim:   nil,
	}

	for _, s := range sites {
		for h := range *hours {
			ts := baseTime.Add(time.Duration(h) * time.Hour)
			feeds[normalize.ProviderOpenMeteo] = append(feeds[normalize.ProviderOpenMeteo], openMeteoPayload(s, ts, rng))
			feeds[normalize.ProviderOpenWeather] = append(feeds[normalize.ProviderOpenWeather], openWeatherPayload(s, ts, rng))
		}
		feeds[normalize.ProviderWorldClim] = append(feeds[normalize.ProviderWorldClim], worldClimPayload(s, baseTime))
	}

	// Run every payload through the real normalization layer so a broken
	// fixture fails here instead of inside the pipeline.
	for provider, payloads := range feeds {
		for i, p := range payloads {
			if _, err := normalize.Reading(provider, p); err != nil {
				return fmt.Errorf("%s payload %d does not normalize: %w", provider, i, err)
			}
		}
	}

	if *brokers != "" {
		return publish(strings.Split(*brokers, ","), *topic, feeds)
	}

	for provider, payloads := range feeds {
		path := filepath.Join(*outDir, provider+".json")
		if err := writeJSON(path, payloads); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		log.Printf("wrote %s: %d payloads", path, len(payloads))
	}
	return nil
}

func openMeteoPayload(s site, ts time.Time, rng *rand.Rand) json.RawMessage {
	temp := s.temp + rng.Float64()*4 - 2
	humidity := clamp(s.humidity+rng.Float64()*10-5, 0, 100)
	wind := max(s.wind+rng.Float64()*6-3, 0)
	rain := 0.0
	if rng.Float64() < 0.3 {
		rain = rng.Float64() * 8
	}

	v := map[string]any{
		"latitude":      s.lat,
		"longitude":     s.lon,
		"location_name": s.name,
		"current": map[string]any{
			"time":                ts.Format("2006-01-02T15:04"),
			"temperature_2m":      round1(temp),
			"relative_humidity_2m": round1(humidity),
			"precipitation":       round1(rain),
			"wind_speed_10m":      round1(wind),
			"wind_direction_10m":  float64(rng.Intn(360)),
			"cloud_cover":         float64(rng.Intn(101)),
			"pressure_msl":        round1(1013 + rng.Float64()*20 - 10),
			"weather_code":        weatherCode(rain),
		},
	}
	return mustMarshal(v)
}

func openWeatherPayload(s site, ts time.Time, rng *rand.Rand) json.RawMessage {
	temp := s.temp + rng.Float64()*4 - 2
	v := map[string]any{
		"coord": map[string]any{"lat": s.lat, "lon": s.lon},
		"name":  s.name,
		"dt":    ts.Unix(),
		"main": map[string]any{
			"temp":     round1(temp),
			"humidity": round1(clamp(s.humidity+rng.Float64()*10-5, 0, 100)),
			"pressure": round1(1013 + rng.Float64()*20 - 10),
		},
		"wind": map[string]any{
			"speed": round1(max(s.wind+rng.Float64()*6-3, 0)),
			"deg":   float64(rng.Intn(360)),
		},
		"clouds":  map[string]any{"all": float64(rng.Intn(101))},
		"weather": []map[string]any{{"id": 800}},
	}
	return mustMarshal(v)
}

func worldClimPayload(s site, ts time.Time) json.RawMessage {
	v := map[string]any{
		"latitude":        s.lat,
		"longitude":       s.lon,
		"location_name":   s.name,
		"month":           ts.Format("2006-01"),
		"temperature_avg": round1(s.temp),
		"precipitation_avg": 90.0,
		"humidity_avg":    round1(s.humidity),
		"period":          "1970-2000",
	}
	return mustMarshal(v)
}

func publish(brokers []string, topic string, feeds map[string][]json.RawMessage) error {
	w := &kafkago.Writer{
		Addr:     kafkago.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafkago.LeastBytes{},
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var msgs []kafkago.Message
	for provider, payloads := range feeds {
		for _, p := range payloads {
			msgs = append(msgs, kafkago.Message{
				Key:     []byte(provider),
				Value:   p,
				Headers: []kafkago.Header{{Key: "provider", Value: []byte(provider)}},
			})
		}
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publishing %d payloads: %w", len(msgs), err)
	}
	log.Printf("published %d payloads to %s", len(msgs), topic)
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func weatherCode(rain float64) int {
	if rain > 0 {
		return 61
	}
	return 1
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
