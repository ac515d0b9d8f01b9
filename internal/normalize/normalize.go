// Package normalize maps provider-specific payloads into the canonical
// domain schema. Each supported provider has a typed adapter; string-keyed
// payload lookups stay inside this package and never leak into the pipeline.
package normalize

import (
	"fmt"
	"time"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
)

// Provider names accepted by the registry. These double as the Reading
// source tags persisted with every observation.
const (
	ProviderOpenMeteo   = "open-meteo"
	ProviderOpenWeather = "openweathermap"
	ProviderWorldClim   = "worldclim"
)

// Source priorities settle field conflicts when several providers report
// the same (location, time). Real-time observation feeds outrank the
// historical-climate averages.
const (
	priorityOpenMeteo   = 100
	priorityOpenWeather = 80
	priorityWorldClim   = 10
)

// adapter bundles the typed mapping functions for one provider.
type adapter struct {
	priority int
	ref      func(payload []byte) (domain.LocationRef, error)
	reading  func(payload []byte) (domain.Reading, error)
	forecast func(payload []byte, generatedAt time.Time) ([]domain.ForecastPoint, error)
}

var adapters = map[string]adapter{
	ProviderOpenMeteo: {
		priority: priorityOpenMeteo,
		ref:      openMeteoRef,
		reading:  openMeteoReading,
		forecast: openMeteoForecast,
	},
	ProviderOpenWeather: {
		priority: priorityOpenWeather,
		ref:      openWeatherRef,
		reading:  openWeatherReading,
	},
	ProviderWorldClim: {
		priority: priorityWorldClim,
		ref:      worldClimRef,
		reading:  worldClimReading,
	},
}

// Priority returns the fixed priority for a source tag. Unknown sources rank
// lowest so they can never displace data from a configured provider.
func Priority(source string) int {
	if a, ok := adapters[source]; ok {
		return a.priority
	}
	return 0
}

// Ref extracts the location reference from a raw provider payload without
// normalizing the full record.
func Ref(provider string, payload []byte) (domain.LocationRef, error) {
	a, ok := adapters[provider]
	if !ok {
		return domain.LocationRef{}, &domain.NormalizationError{Provider: provider, Reason: "unknown provider"}
	}
	ref, err := a.ref(payload)
	if err != nil {
		return domain.LocationRef{}, err
	}
	if err := ref.Validate(); err != nil {
		return domain.LocationRef{}, &domain.NormalizationError{Provider: provider, Reason: "invalid location reference", Err: err}
	}
	return ref, nil
}

// Reading maps a raw provider payload to a canonical reading. The returned
// reading carries the provider's source tag and priority but no location id;
// the coordinator fills that in after resolution.
func Reading(provider string, payload []byte) (domain.Reading, error) {
	a, ok := adapters[provider]
	if !ok {
		return domain.Reading{}, &domain.NormalizationError{Provider: provider, Reason: "unknown provider"}
	}
	reading, err := a.reading(payload)
	if err != nil {
		return domain.Reading{}, err
	}
	reading.Source = provider
	reading.Priority = a.priority
	if err := reading.Validate(); err != nil {
		return domain.Reading{}, &domain.NormalizationError{Provider: provider, Reason: "invalid reading", Err: err}
	}
	return reading, nil
}

// Forecast maps a raw provider payload to daily forecast points stamped with
// the given generation time. Providers without forecast support return a
// NormalizationError.
func Forecast(provider string, payload []byte, generatedAt time.Time) ([]domain.ForecastPoint, error) {
	a, ok := adapters[provider]
	if !ok {
		return nil, &domain.NormalizationError{Provider: provider, Reason: "unknown provider"}
	}
	if a.forecast == nil {
		return nil, &domain.NormalizationError{Provider: provider, Reason: "provider has no forecast feed"}
	}
	points, err := a.forecast(payload, generatedAt)
	if err != nil {
		return nil, err
	}
	for i, fp := range points {
		if err := fp.Validate(); err != nil {
			return nil, &domain.NormalizationError{
				Provider: provider,
				Reason:   fmt.Sprintf("invalid forecast point %d", i),
				Err:      err,
			}
		}
	}
	return points, nil
}

// parseObservationTime accepts the timestamp layouts seen across provider
// feeds: RFC 3339 and open-meteo's minute-resolution ISO 8601 without a zone
// (interpreted as UTC).
func parseObservationTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
