// Package storage is the only layer that touches the durable store. It
// exposes the transactional operations the pipeline needs and two
// implementations: a Postgres gateway for production and an in-memory store
// for tests and ephemeral runs.
package storage

import (
	"context"
	"time"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
)

// AlertOutcome reports what a conditional alert upsert did.
type AlertOutcome int

const (
	// AlertOpened means no active alert existed and a new one was inserted.
	AlertOpened AlertOutcome = iota
	// AlertEscalated means the active alert was updated to a higher severity.
	AlertEscalated
	// AlertSuppressed means an active alert at equal or higher severity
	// already exists and nothing was written.
	AlertSuppressed
)

func (o AlertOutcome) String() string {
	switch o {
	case AlertOpened:
		return "opened"
	case AlertEscalated:
		return "escalated"
	default:
		return "suppressed"
	}
}

// Store is the storage gateway. Location resolution operations run outside
// record transactions; everything touching readings and alerts for one
// ingested record happens inside WithinTx so the reading write and the
// alert-decision writes commit or fail together.
type Store interface {
	// UpsertLocation inserts the location or, when another row already
	// occupies the same coordinate-tolerance bucket, returns that row with
	// its metadata refresh applied. Insert-if-absent is atomic; concurrent
	// resolution of the same new place yields exactly one row.
	UpsertLocation(ctx context.Context, loc domain.Location) (domain.Location, error)

	// FindLocationByCoordinates returns the nearest stored location within
	// the configured tolerance of (lat, lon), or nil when none is close.
	FindLocationByCoordinates(ctx context.Context, lat, lon float64) (*domain.Location, error)

	// FindLocationByName returns the first stored location whose name
	// contains the query, case-insensitively, or nil on miss.
	FindLocationByName(ctx context.Context, name string) (*domain.Location, error)

	// GetLocation returns the location by id, or nil when absent.
	GetLocation(ctx context.Context, id int64) (*domain.Location, error)

	// WithinTx runs fn inside a single transaction.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// ExpireAlerts closes every active alert whose expiry has elapsed and
	// returns how many it closed.
	ExpireAlerts(ctx context.Context, now time.Time) (int64, error)

	// ActiveAlerts lists alerts active at now, optionally scoped to one
	// location (locationID 0 means all locations).
	ActiveAlerts(ctx context.Context, locationID int64, now time.Time) ([]domain.Alert, error)

	Close() error
}

// Tx is the per-record transactional surface.
type Tx interface {
	// UpsertReading writes the reading keyed on (location, source,
	// timestamp). An existing row is merged by source priority, never
	// duplicated (see domain.MergeReading).
	UpsertReading(ctx context.Context, r domain.Reading) (domain.Reading, error)

	// FindRecentReadings returns the location's readings with observation
	// timestamps in (since, now], newest first. Used for rolling
	// precipitation accumulation.
	FindRecentReadings(ctx context.Context, locationID int64, since time.Time) ([]domain.Reading, error)

	// FindActiveAlert returns the location's active, unexpired alert of the
	// given type, or nil.
	FindActiveAlert(ctx context.Context, locationID int64, typ domain.AlertType, now time.Time) (*domain.Alert, error)

	// OpenOrEscalateAlert atomically inserts the alert or raises the
	// severity of the existing active one. When an active alert at equal
	// or higher severity exists, nothing is written and the outcome is
	// AlertSuppressed. This conditional upsert is the concurrency backstop
	// for the one-active-alert-per-(location, type) invariant.
	OpenOrEscalateAlert(ctx context.Context, a domain.Alert) (domain.Alert, AlertOutcome, error)

	// CloseActiveAlert resolves the active, unexpired alert of the given
	// type, recording the observation that cleared it. Returns nil when no
	// such alert exists.
	CloseActiveAlert(ctx context.Context, locationID int64, typ domain.AlertType, now time.Time, observed float64) (*domain.Alert, error)

	// UpsertForecastPoint writes the point keyed on (location, source,
	// target date). An existing row is replaced only by a newer generation;
	// the returned bool reports whether the write was applied.
	UpsertForecastPoint(ctx context.Context, fp domain.ForecastPoint) (domain.ForecastPoint, bool, error)
}
