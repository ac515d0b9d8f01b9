package domain

import (
	"fmt"
	"time"
)

// AlertType is the closed enumeration of threshold-driven alert kinds. Any
// new type needs a matching threshold-ladder configuration entry.
type AlertType string

const (
	AlertHighTemperature AlertType = "high-temperature"
	AlertLowTemperature  AlertType = "low-temperature"
	AlertHeavyRain       AlertType = "heavy-rain"
	AlertStrongWind      AlertType = "strong-wind"
	AlertHighHumidity    AlertType = "high-humidity"
)

// AlertTypes returns all alert types in evaluation order.
func AlertTypes() []AlertType {
	return []AlertType{
		AlertHighTemperature,
		AlertLowTemperature,
		AlertHeavyRain,
		AlertStrongWind,
		AlertHighHumidity,
	}
}

// Severity is the ordered four-level alert scale.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Label returns the presentation-layer vocabulary used by downstream
// consumers. It is derived, never stored.
func (s Severity) Label() string {
	switch s {
	case SeverityLow:
		return "info"
	case SeverityMedium:
		return "advisory"
	case SeverityHigh:
		return "watch"
	case SeverityCritical:
		return "warning"
	default:
		return "none"
	}
}

// ParseSeverity converts a stored severity string back to the enum.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	case "none", "":
		return SeverityNone, nil
	default:
		return SeverityNone, fmt.Errorf("unknown severity %q", s)
	}
}

// Alert is one threshold breach for a (location, alert type) pair. Alerts
// are never deleted; closing marks them inactive with a resolution time so
// the history remains auditable.
type Alert struct {
	ID         int64
	LocationID int64
	ReadingID  *int64 // reading that last opened or escalated the alert
	Type       AlertType
	Severity   Severity
	Threshold  float64 // ladder breakpoint that was breached
	Observed   float64 // value that breached it
	Active     bool
	OpenedAt   time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time
	ResolvedAt *time.Time
}

// ActiveAt reports whether the alert counts as active at the given instant:
// the active flag is set and the expiry, if any, has not elapsed. Alerts
// past their expiry are inactive on read even before the sweep closes them.
func (a Alert) ActiveAt(now time.Time) bool {
	if !a.Active {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}
