package domain

import (
	"fmt"
	"time"
)

// ForecastPoint is one predicted day's aggregate weather for a location,
// from one source, tied to the generation run that produced it. Newer
// generations supersede older ones for the same (location, source, target
// date); points are never merged.
type ForecastPoint struct {
	ID          int64
	LocationID  int64
	Source      string
	TargetDate  time.Time
	GeneratedAt time.Time

	TempMin       *float64 // °C
	TempMax       *float64 // °C
	PrecipSum     *float64 // mm
	PrecipProb    *float64 // %, 0–100
	WindSpeed     *float64 // m/s, dominant
	WindDirection *float64 // degrees, dominant
	Condition     ConditionCode

	CreatedAt time.Time
}

// Validate checks the forecast invariants. Source, target date and
// generation timestamp are required; numeric fields must be physically
// plausible when present. Whether the target is worth storing relative to
// the generation run is the ingestion layer's call, not a validity rule:
// providers legitimately include the current day in their daily feeds.
func (f ForecastPoint) Validate() error {
	if f.Source == "" {
		return fmt.Errorf("forecast source is empty")
	}
	if f.TargetDate.IsZero() || f.GeneratedAt.IsZero() {
		return fmt.Errorf("forecast target date and generation timestamp are required")
	}
	if err := inRange("precipitation probability", f.PrecipProb, 0, 100); err != nil {
		return err
	}
	if err := nonNegative("precipitation sum", f.PrecipSum); err != nil {
		return err
	}
	if err := nonNegative("wind speed", f.WindSpeed); err != nil {
		return err
	}
	return inRange("wind direction", f.WindDirection, 0, 360)
}
