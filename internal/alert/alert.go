// Package alert evaluates canonical readings against per-type threshold
// ladders and drives the alert lifecycle: open on first breach, escalate
// when a higher breakpoint is crossed, close when the value returns to
// normal. All writes go through the storage transaction handed to Evaluate
// so a reading and its alert transitions commit atomically.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/storage"
)

// Breakpoint pairs one ladder threshold with the severity it maps to.
type Breakpoint struct {
	Threshold float64
	Severity  domain.Severity
}

// Ladder is the ordered set of breakpoints for one alert type, mildest
// first. Breach comparisons are inclusive: observing exactly the threshold
// counts as a breach. High-temperature, heavy-rain, strong-wind and
// high-humidity ladders ascend; the low-temperature ladder descends and
// breaches when the value drops to or below a breakpoint.
type Ladder []Breakpoint

// Config holds the evaluation parameters. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	Ladders map[domain.AlertType]Ladder

	// TTL bounds how long an alert stays active without re-confirmation.
	TTL time.Duration

	// RainWindow is the rolling window over which precipitation is summed
	// before the heavy-rain ladder is applied.
	RainWindow time.Duration
}

// DefaultConfig returns the stock ladders and lifecycle timings.
func DefaultConfig() Config {
	return Config{
		Ladders: map[domain.AlertType]Ladder{
			domain.AlertHighTemperature: {
				{Threshold: 30, Severity: domain.SeverityLow},
				{Threshold: 35, Severity: domain.SeverityMedium},
				{Threshold: 40, Severity: domain.SeverityHigh},
				{Threshold: 45, Severity: domain.SeverityCritical},
			},
			domain.AlertLowTemperature: {
				{Threshold: 5, Severity: domain.SeverityLow},
				{Threshold: 0, Severity: domain.SeverityMedium},
				{Threshold: -5, Severity: domain.SeverityHigh},
				{Threshold: -10, Severity: domain.SeverityCritical},
			},
			domain.AlertHeavyRain: {
				{Threshold: 10, Severity: domain.SeverityLow},
				{Threshold: 25, Severity: domain.SeverityMedium},
				{Threshold: 50, Severity: domain.SeverityHigh},
				{Threshold: 100, Severity: domain.SeverityCritical},
			},
			domain.AlertStrongWind: {
				{Threshold: 20, Severity: domain.SeverityLow},
				{Threshold: 35, Severity: domain.SeverityMedium},
				{Threshold: 50, Severity: domain.SeverityHigh},
				{Threshold: 75, Severity: domain.SeverityCritical},
			},
			domain.AlertHighHumidity: {
				{Threshold: 80, Severity: domain.SeverityLow},
				{Threshold: 90, Severity: domain.SeverityMedium},
				{Threshold: 95, Severity: domain.SeverityHigh},
				{Threshold: 98, Severity: domain.SeverityCritical},
			},
		},
		TTL:        6 * time.Hour,
		RainWindow: time.Hour,
	}
}

// Validate checks that every alert type has a ladder and the timings are
// positive.
func (c Config) Validate() error {
	for _, typ := range domain.AlertTypes() {
		if len(c.Ladders[typ]) == 0 {
			return fmt.Errorf("alert config: no ladder for %s", typ)
		}
	}
	if c.TTL <= 0 {
		return fmt.Errorf("alert config: TTL must be positive, got %s", c.TTL)
	}
	if c.RainWindow <= 0 {
		return fmt.Errorf("alert config: rain window must be positive, got %s", c.RainWindow)
	}
	return nil
}

// TransitionKind names what happened to an alert during evaluation.
type TransitionKind string

const (
	TransitionOpened    TransitionKind = "opened"
	TransitionEscalated TransitionKind = "escalated"
	TransitionClosed    TransitionKind = "closed"
)

// Transition is one observable alert state change produced by Evaluate.
// Suppressed evaluations (breach at or below the current severity) produce
// no transition.
type Transition struct {
	Kind  TransitionKind
	Alert domain.Alert
}

// Engine applies threshold ladders to readings.
type Engine struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewEngine(cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, clock: clock, logger: logger}, nil
}

// Evaluate runs every alert type against the reading. Types whose metric is
// absent from the reading are left untouched: missing data neither opens nor
// closes an alert. The returned transitions are in domain.AlertTypes order.
func (e *Engine) Evaluate(ctx context.Context, tx storage.Tx, r domain.Reading) ([]Transition, error) {
	now := e.clock.Now()
	var transitions []Transition

	for _, typ := range domain.AlertTypes() {
		value, ok, err := e.metric(ctx, tx, typ, r)
		if err != nil {
			return transitions, err
		}
		if !ok {
			continue
		}

		severity, threshold := classify(typ, e.cfg.Ladders[typ], value)
		if severity == domain.SeverityNone {
			closed, err := tx.CloseActiveAlert(ctx, r.LocationID, typ, now, value)
			if err != nil {
				return transitions, fmt.Errorf("close %s alert: %w", typ, err)
			}
			if closed != nil {
				e.logger.InfoContext(ctx, "alert closed",
					"alert_type", typ, "location_id", r.LocationID, "observed", value)
				transitions = append(transitions, Transition{Kind: TransitionClosed, Alert: *closed})
			}
			continue
		}

		expires := now.Add(e.cfg.TTL)
		readingID := r.ID
		candidate := domain.Alert{
			LocationID: r.LocationID,
			ReadingID:  &readingID,
			Type:       typ,
			Severity:   severity,
			Threshold:  threshold,
			Observed:   value,
			OpenedAt:   now,
			UpdatedAt:  now,
			ExpiresAt:  &expires,
		}
		stored, outcome, err := tx.OpenOrEscalateAlert(ctx, candidate)
		if err != nil {
			return transitions, fmt.Errorf("open %s alert: %w", typ, err)
		}
		switch outcome {
		case storage.AlertOpened:
			e.logger.InfoContext(ctx, "alert opened",
				"alert_type", typ, "location_id", r.LocationID,
				"severity", severity.String(), "threshold", threshold, "observed", value)
			transitions = append(transitions, Transition{Kind: TransitionOpened, Alert: stored})
		case storage.AlertEscalated:
			e.logger.InfoContext(ctx, "alert escalated",
				"alert_type", typ, "location_id", r.LocationID,
				"severity", severity.String(), "threshold", threshold, "observed", value)
			transitions = append(transitions, Transition{Kind: TransitionEscalated, Alert: stored})
		}
	}
	return transitions, nil
}

// metric extracts the value an alert type evaluates. The second return is
// false when the reading carries no data for the type.
func (e *Engine) metric(ctx context.Context, tx storage.Tx, typ domain.AlertType, r domain.Reading) (float64, bool, error) {
	switch typ {
	case domain.AlertHighTemperature, domain.AlertLowTemperature:
		if r.Temperature == nil {
			return 0, false, nil
		}
		return *r.Temperature, true, nil
	case domain.AlertHeavyRain:
		return e.rainTotal(ctx, tx, r)
	case domain.AlertStrongWind:
		if r.WindSpeed == nil {
			return 0, false, nil
		}
		return *r.WindSpeed, true, nil
	case domain.AlertHighHumidity:
		if r.Humidity == nil {
			return 0, false, nil
		}
		return *r.Humidity, true, nil
	}
	return 0, false, nil
}

// rainTotal sums precipitation over the rolling window ending at the
// reading's timestamp. When two sources report the same instant only the
// higher-priority reading counts, so overlapping providers cannot double
// rainfall.
func (e *Engine) rainTotal(ctx context.Context, tx storage.Tx, r domain.Reading) (float64, bool, error) {
	since := r.Timestamp.Add(-e.cfg.RainWindow)
	rows, err := tx.FindRecentReadings(ctx, r.LocationID, since)
	if err != nil {
		return 0, false, fmt.Errorf("load rain window: %w", err)
	}

	best := make(map[time.Time]domain.Reading)
	for _, row := range rows {
		if row.Precipitation == nil || row.Timestamp.After(r.Timestamp) {
			continue
		}
		key := row.Timestamp.UTC()
		if cur, ok := best[key]; !ok || row.Priority > cur.Priority {
			best[key] = row
		}
	}
	if len(best) == 0 {
		return 0, false, nil
	}

	var sum float64
	for _, row := range best {
		sum += *row.Precipitation
	}
	return sum, true, nil
}

// classify returns the most severe breached breakpoint, or SeverityNone.
func classify(typ domain.AlertType, ladder Ladder, value float64) (domain.Severity, float64) {
	severity := domain.SeverityNone
	var threshold float64
	for _, bp := range ladder {
		breached := value >= bp.Threshold
		if typ == domain.AlertLowTemperature {
			breached = value <= bp.Threshold
		}
		if breached && bp.Severity > severity {
			severity = bp.Severity
			threshold = bp.Threshold
		}
	}
	return severity, threshold
}
