//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/couchcryptid/weather-alert-pipeline/internal/alert"
	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/ingest"
	"github.com/couchcryptid/weather-alert-pipeline/internal/normalize"
	"github.com/couchcryptid/weather-alert-pipeline/internal/observability"
	"github.com/couchcryptid/weather-alert-pipeline/internal/resolve"
	"github.com/couchcryptid/weather-alert-pipeline/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPostgres runs a disposable Postgres and returns a connected store
// with the schema applied.
func startPostgres(ctx context.Context, t *testing.T) *storage.Postgres {
	t.Helper()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("weather"),
		tcpostgres.WithUsername("weather"),
		tcpostgres.WithPassword("weather"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := storage.NewPostgres(ctx, dsn, 0.01)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

// staticGeocoder resolves everything to a fixed place so location
// resolution never leaves the test.
type staticGeocoder struct {
	result domain.GeocodingResult
}

func (g *staticGeocoder) Geocode(_ context.Context, _ string) (domain.GeocodingResult, error) {
	return g.result, nil
}

func (g *staticGeocoder) ReverseGeocode(_ context.Context, lat, lon float64) (domain.GeocodingResult, error) {
	r := g.result
	r.Lat, r.Lon = lat, lon
	return r, nil
}

func openMeteoPayload(ts time.Time, temp float64) []byte {
	return fmt.Appendf(nil,
		`{"latitude":4.6097,"longitude":-74.0817,"location_name":"Bogotá","current":{"time":%q,"temperature_2m":%g,"relative_humidity_2m":70,"precipitation":0,"wind_speed_10m":5}}`,
		ts.UTC().Format("2006-01-02T15:04"), temp)
}

func newCoordinator(t *testing.T, store storage.Store) *ingest.Coordinator {
	t.Helper()

	clock := clockwork.NewRealClock()
	geocoder := &staticGeocoder{result: domain.GeocodingResult{
		Lat: 4.6097, Lon: -74.0817, Name: "Bogotá", Country: "Colombia",
	}}
	resolver := resolve.New(store, geocoder, discardLogger())

	engine, err := alert.NewEngine(alert.DefaultConfig(), clock, discardLogger())
	require.NoError(t, err)

	return ingest.New(store, resolver, engine, clock, discardLogger(),
		observability.NewMetricsForTesting())
}

// TestPostgresPipeline drives the full ingest flow against real Postgres:
// resolve, persist, evaluate, escalate, list, expire.
func TestPostgresPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store := startPostgres(ctx, t)
	coordinator := newCoordinator(t, store)

	base := time.Now().UTC().Truncate(time.Minute).Add(-30 * time.Minute)

	// 36°C breaches the medium high-temperature breakpoint.
	res, err := coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo,
		[][]byte{openMeteoPayload(base, 36)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Empty(t, res.Skipped)

	now := time.Now()
	alerts, err := store.ActiveAlerts(ctx, 0, now)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	opened := alerts[0]
	assert.Equal(t, domain.AlertHighTemperature, opened.Type)
	assert.Equal(t, domain.SeverityMedium, opened.Severity)
	assert.Equal(t, 35.0, opened.Threshold)
	assert.Equal(t, 36.0, opened.Observed)

	// A hotter reading ten minutes later escalates in place.
	res, err = coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo,
		[][]byte{openMeteoPayload(base.Add(10*time.Minute), 41)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)

	alerts, err = store.ActiveAlerts(ctx, 0, now)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, opened.ID, alerts[0].ID, "escalation reuses the open alert row")
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, opened.OpenedAt.Unix(), alerts[0].OpenedAt.Unix())

	// Filtering by an unknown location returns nothing.
	alerts, err = store.ActiveAlerts(ctx, alerts[0].LocationID+1000, now)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	// Past the TTL the sweep closes the alert.
	closed, err := store.ExpireAlerts(ctx, now.Add(7*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, closed)

	alerts, err = store.ActiveAlerts(ctx, 0, now.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

// TestPostgresLocationDedupe checks that concurrent ingestion of the same
// place from many goroutines converges on a single location row.
func TestPostgresLocationDedupe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store := startPostgres(ctx, t)
	coordinator := newCoordinator(t, store)

	base := time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct timestamps so each goroutine writes its own reading
			// while competing for the same location row.
			_, errs[i] = coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo,
				[][]byte{openMeteoPayload(base.Add(time.Duration(i)*time.Minute), 20)})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "goroutine %d", i)
	}

	loc, err := store.FindLocationByCoordinates(ctx, 4.6097, -74.0817)
	require.NoError(t, err)
	require.NotNil(t, loc)

	// Every reading landed on that single row.
	var ids []int64
	err = store.WithinTx(ctx, func(tx storage.Tx) error {
		readings, err := tx.FindRecentReadings(ctx, loc.ID, base.Add(-time.Minute))
		if err != nil {
			return err
		}
		for _, r := range readings {
			ids = append(ids, r.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, ids, 8)
}

// TestPostgresReadingMerge verifies cross-provider merge on the same
// observation key: the higher-priority source wins conflicting fields.
func TestPostgresReadingMerge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store := startPostgres(ctx, t)
	coordinator := newCoordinator(t, store)

	ts := time.Now().UTC().Truncate(time.Minute).Add(-time.Hour)

	// Same provider, same observation instant: second payload merges into
	// the first row instead of duplicating it.
	res, err := coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{
		openMeteoPayload(ts, 21),
		openMeteoPayload(ts, 21),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)

	loc, err := store.FindLocationByCoordinates(ctx, 4.6097, -74.0817)
	require.NoError(t, err)
	require.NotNil(t, loc)

	err = store.WithinTx(ctx, func(tx storage.Tx) error {
		readings, err := tx.FindRecentReadings(ctx, loc.ID, ts.Add(-time.Minute))
		if err != nil {
			return err
		}
		assert.Len(t, readings, 1)
		return nil
	})
	require.NoError(t, err)
}
