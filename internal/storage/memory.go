package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Store used by tests and ephemeral runs (no
// DATABASE_URL configured). A single mutex serializes transactions, which
// also means a transaction's writes are applied directly; there is no
// rollback, so it is not suitable for durable deployments.
type Memory struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	tolerance float64

	locations map[int64]domain.Location
	readings  map[int64]domain.Reading
	forecasts map[int64]domain.ForecastPoint
	alerts    map[int64]domain.Alert

	nextLocation int64
	nextReading  int64
	nextForecast int64
	nextAlert    int64
}

// NewMemory creates an empty in-memory store with the given coordinate
// tolerance for location matching.
func NewMemory(clock clockwork.Clock, tolerance float64) *Memory {
	return &Memory{
		clock:     clock,
		tolerance: tolerance,
		locations: make(map[int64]domain.Location),
		readings:  make(map[int64]domain.Reading),
		forecasts: make(map[int64]domain.ForecastPoint),
		alerts:    make(map[int64]domain.Alert),
	}
}

func (m *Memory) UpsertLocation(ctx context.Context, loc domain.Location) (domain.Location, error) {
	if err := loc.Validate(); err != nil {
		return domain.Location{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Insert-if-absent keyed on the coordinate-tolerance bucket.
	latB, lonB := bucket(loc.Latitude, m.tolerance), bucket(loc.Longitude, m.tolerance)
	for id, existing := range m.locations {
		if bucket(existing.Latitude, m.tolerance) == latB && bucket(existing.Longitude, m.tolerance) == lonB {
			existing.UpdatedAt = m.clock.Now()
			m.locations[id] = existing
			return existing, nil
		}
	}

	m.nextLocation++
	loc.ID = m.nextLocation
	loc.CreatedAt = m.clock.Now()
	loc.UpdatedAt = loc.CreatedAt
	m.locations[loc.ID] = loc
	return loc, nil
}

func (m *Memory) FindLocationByCoordinates(ctx context.Context, lat, lon float64) (*domain.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.Location
	bestDist := math.MaxFloat64
	for id := range m.locations {
		loc := m.locations[id]
		dLat, dLon := loc.Latitude-lat, loc.Longitude-lon
		if math.Abs(dLat) > m.tolerance || math.Abs(dLon) > m.tolerance {
			continue
		}
		if d := dLat*dLat + dLon*dLon; d < bestDist {
			bestDist = d
			l := loc
			best = &l
		}
	}
	return best, nil
}

func (m *Memory) FindLocationByName(ctx context.Context, name string) (*domain.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := strings.ToLower(name)
	ids := make([]int64, 0, len(m.locations))
	for id := range m.locations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		loc := m.locations[id]
		if strings.Contains(strings.ToLower(loc.Name), query) {
			l := loc
			return &l, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetLocation(ctx context.Context, id int64) (*domain.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc, ok := m.locations[id]; ok {
		return &loc, nil
	}
	return nil, nil
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memoryTx{m: m})
}

func (m *Memory) ExpireAlerts(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, a := range m.alerts {
		if a.Active && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			a.Active = false
			resolved := *a.ExpiresAt
			a.ResolvedAt = &resolved
			a.UpdatedAt = now
			m.alerts[id] = a
			n++
		}
	}
	return n, nil
}

func (m *Memory) ActiveAlerts(ctx context.Context, locationID int64, now time.Time) ([]domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Alert
	for _, a := range m.alerts {
		if locationID != 0 && a.LocationID != locationID {
			continue
		}
		if a.ActiveAt(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }

// memoryTx applies writes directly under the store mutex.
type memoryTx struct {
	m *Memory
}

func (t *memoryTx) UpsertReading(ctx context.Context, r domain.Reading) (domain.Reading, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for id, existing := range t.m.readings {
		if existing.LocationID == r.LocationID && existing.Source == r.Source && existing.Timestamp.Equal(r.Timestamp) {
			merged := domain.MergeReading(existing, r)
			merged.ID = id
			t.m.readings[id] = merged
			return merged, nil
		}
	}

	t.m.nextReading++
	r.ID = t.m.nextReading
	t.m.readings[r.ID] = r
	return r, nil
}

func (t *memoryTx) FindRecentReadings(ctx context.Context, locationID int64, since time.Time) ([]domain.Reading, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	var out []domain.Reading
	for _, r := range t.m.readings {
		if r.LocationID == locationID && r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (t *memoryTx) FindActiveAlert(ctx context.Context, locationID int64, typ domain.AlertType, now time.Time) (*domain.Alert, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.findActiveLocked(locationID, typ, now), nil
}

func (t *memoryTx) findActiveLocked(locationID int64, typ domain.AlertType, now time.Time) *domain.Alert {
	for id := range t.m.alerts {
		a := t.m.alerts[id]
		if a.LocationID == locationID && a.Type == typ && a.ActiveAt(now) {
			return &a
		}
	}
	return nil
}

func (t *memoryTx) OpenOrEscalateAlert(ctx context.Context, a domain.Alert) (domain.Alert, AlertOutcome, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	// Close a lapsed predecessor so at most one row per (location, type)
	// stays marked active.
	for id, old := range t.m.alerts {
		if old.LocationID == a.LocationID && old.Type == a.Type && old.Active && !old.ActiveAt(a.UpdatedAt) {
			old.Active = false
			old.ResolvedAt = old.ExpiresAt
			old.UpdatedAt = a.UpdatedAt
			t.m.alerts[id] = old
		}
	}

	existing := t.findActiveLocked(a.LocationID, a.Type, a.UpdatedAt)
	if existing == nil {
		t.m.nextAlert++
		a.ID = t.m.nextAlert
		a.Active = true
		t.m.alerts[a.ID] = a
		return a, AlertOpened, nil
	}
	if a.Severity <= existing.Severity {
		return domain.Alert{}, AlertSuppressed, nil
	}

	escalated := *existing
	escalated.Severity = a.Severity
	escalated.Threshold = a.Threshold
	escalated.Observed = a.Observed
	escalated.ReadingID = a.ReadingID
	escalated.ExpiresAt = a.ExpiresAt
	escalated.UpdatedAt = a.UpdatedAt
	t.m.alerts[escalated.ID] = escalated
	return escalated, AlertEscalated, nil
}

func (t *memoryTx) CloseActiveAlert(ctx context.Context, locationID int64, typ domain.AlertType, now time.Time, observed float64) (*domain.Alert, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	existing := t.findActiveLocked(locationID, typ, now)
	if existing == nil {
		return nil, nil
	}

	closed := *existing
	closed.Active = false
	closed.Observed = observed
	resolved := now
	closed.ResolvedAt = &resolved
	closed.UpdatedAt = now
	t.m.alerts[closed.ID] = closed
	return &closed, nil
}

func (t *memoryTx) UpsertForecastPoint(ctx context.Context, fp domain.ForecastPoint) (domain.ForecastPoint, bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for id, existing := range t.m.forecasts {
		if existing.LocationID == fp.LocationID && existing.Source == fp.Source && existing.TargetDate.Equal(fp.TargetDate) {
			if !fp.GeneratedAt.After(existing.GeneratedAt) {
				return existing, false, nil
			}
			fp.ID = id
			fp.CreatedAt = existing.CreatedAt
			t.m.forecasts[id] = fp
			return fp, true, nil
		}
	}

	t.m.nextForecast++
	fp.ID = t.m.nextForecast
	fp.CreatedAt = t.clockNow()
	t.m.forecasts[fp.ID] = fp
	return fp, true, nil
}

func (t *memoryTx) clockNow() time.Time { return t.m.clock.Now() }

func bucket(v, tolerance float64) int64 {
	if tolerance <= 0 {
		tolerance = 0.01
	}
	return int64(math.Round(v / tolerance))
}
