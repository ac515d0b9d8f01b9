package domain

import (
	"fmt"
	"time"
)

// ConditionCode is the canonical weather condition enumeration. Provider
// codes are translated to it by the normalizer; unknown provider codes map
// to ConditionUnknown.
type ConditionCode string

const (
	ConditionClear           ConditionCode = "clear"
	ConditionPartlyCloudy    ConditionCode = "partly-cloudy"
	ConditionCloudy          ConditionCode = "cloudy"
	ConditionFog             ConditionCode = "fog"
	ConditionDrizzle         ConditionCode = "drizzle"
	ConditionFreezingDrizzle ConditionCode = "freezing-drizzle"
	ConditionRain            ConditionCode = "rain"
	ConditionFreezingRain    ConditionCode = "freezing-rain"
	ConditionSnow            ConditionCode = "snow"
	ConditionShowers         ConditionCode = "showers"
	ConditionSnowShowers     ConditionCode = "snow-showers"
	ConditionThunderstorm    ConditionCode = "thunderstorm"
	ConditionHail            ConditionCode = "hail"
	ConditionUnknown         ConditionCode = "unknown"
)

var conditionDescriptions = map[ConditionCode]string{
	ConditionClear:           "Clear sky",
	ConditionPartlyCloudy:    "Partly cloudy",
	ConditionCloudy:          "Overcast",
	ConditionFog:             "Fog",
	ConditionDrizzle:         "Drizzle",
	ConditionFreezingDrizzle: "Freezing drizzle",
	ConditionRain:            "Rain",
	ConditionFreezingRain:    "Freezing rain",
	ConditionSnow:            "Snow",
	ConditionShowers:         "Rain showers",
	ConditionSnowShowers:     "Snow showers",
	ConditionThunderstorm:    "Thunderstorm",
	ConditionHail:            "Hail",
	ConditionUnknown:         "Unknown",
}

// Description returns the human-readable label for the code.
func (c ConditionCode) Description() string {
	if d, ok := conditionDescriptions[c]; ok {
		return d
	}
	return conditionDescriptions[ConditionUnknown]
}

// Reading is one normalized weather observation for a location at an
// instant, from one source. Nil numeric fields were not reported by the
// provider.
type Reading struct {
	ID         int64
	LocationID int64
	Source     string
	// Priority is the fixed source priority resolved by the normalizer,
	// used to settle field conflicts on upsert. Higher wins.
	Priority  int
	Timestamp time.Time // observation instant, not ingestion time

	Temperature   *float64 // °C
	Humidity      *float64 // % relative, 0–100
	Precipitation *float64 // mm, ≥ 0
	WindSpeed     *float64 // m/s, ≥ 0
	WindDirection *float64 // degrees, 0–360
	Pressure      *float64 // hPa
	CloudCover    *float64 // %, 0–100
	UVIndex       *float64 // ≥ 0
	Condition     ConditionCode

	IngestedAt time.Time
}

// Validate checks the reading invariants. Source and observation timestamp
// are required; numeric fields must be physically plausible when present.
func (r Reading) Validate() error {
	if r.Source == "" {
		return fmt.Errorf("reading source is empty")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("reading observation timestamp is zero")
	}
	if err := inRange("humidity", r.Humidity, 0, 100); err != nil {
		return err
	}
	if err := nonNegative("precipitation", r.Precipitation); err != nil {
		return err
	}
	if err := nonNegative("wind speed", r.WindSpeed); err != nil {
		return err
	}
	if err := inRange("wind direction", r.WindDirection, 0, 360); err != nil {
		return err
	}
	if err := inRange("cloud cover", r.CloudCover, 0, 100); err != nil {
		return err
	}
	return nonNegative("uv index", r.UVIndex)
}

func inRange(field string, v *float64, lo, hi float64) error {
	if v != nil && (*v < lo || *v > hi) {
		return fmt.Errorf("%s %v out of range [%g,%g]", field, *v, lo, hi)
	}
	return nil
}

func nonNegative(field string, v *float64) error {
	if v != nil && *v < 0 {
		return fmt.Errorf("%s %v is negative", field, *v)
	}
	return nil
}

// MergeReading folds an incoming reading into the stored reading sharing its
// (location, source, timestamp) key. Incoming non-nil fields fill stored nil
// fields unconditionally, and replace stored non-nil fields only when the
// incoming source priority is strictly higher; an equal-or-lower-priority
// source never silently overwrites data.
func MergeReading(existing, incoming Reading) Reading {
	merged := existing
	higher := incoming.Priority > existing.Priority

	merged.Temperature = mergeField(existing.Temperature, incoming.Temperature, higher)
	merged.Humidity = mergeField(existing.Humidity, incoming.Humidity, higher)
	merged.Precipitation = mergeField(existing.Precipitation, incoming.Precipitation, higher)
	merged.WindSpeed = mergeField(existing.WindSpeed, incoming.WindSpeed, higher)
	merged.WindDirection = mergeField(existing.WindDirection, incoming.WindDirection, higher)
	merged.Pressure = mergeField(existing.Pressure, incoming.Pressure, higher)
	merged.CloudCover = mergeField(existing.CloudCover, incoming.CloudCover, higher)
	merged.UVIndex = mergeField(existing.UVIndex, incoming.UVIndex, higher)

	if incoming.Condition != "" && incoming.Condition != ConditionUnknown &&
		(existing.Condition == "" || existing.Condition == ConditionUnknown || higher) {
		merged.Condition = incoming.Condition
	}
	if higher {
		merged.Priority = incoming.Priority
	}
	merged.IngestedAt = incoming.IngestedAt
	return merged
}

func mergeField(existing, incoming *float64, higherPriority bool) *float64 {
	if incoming == nil {
		return existing
	}
	if existing == nil || higherPriority {
		return incoming
	}
	return existing
}

// Float returns a pointer to v. Convenience for building readings with
// optional fields.
func Float(v float64) *float64 { return &v }
