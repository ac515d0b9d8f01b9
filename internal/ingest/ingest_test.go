package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-alert-pipeline/internal/alert"
	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/normalize"
	"github.com/couchcryptid/weather-alert-pipeline/internal/observability"
	"github.com/couchcryptid/weather-alert-pipeline/internal/storage"
)

// stubResolver hands out one fixed location for every reference.
type stubResolver struct {
	loc domain.Location
	err error
}

func (s *stubResolver) Resolve(ctx context.Context, ref domain.LocationRef) (domain.Location, error) {
	if s.err != nil {
		return domain.Location{}, s.err
	}
	return s.loc, nil
}

// recordingNotifier collects transitions, optionally failing every call.
type recordingNotifier struct {
	mu          sync.Mutex
	transitions []alert.Transition
	err         error
}

func (n *recordingNotifier) NotifyAlert(ctx context.Context, tr alert.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, tr)
	return n.err
}

// flakyStore wraps a Store and fails the first failures WithinTx calls.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
	failWith error
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return f.failWith
	}
	return f.Store.WithinTx(ctx, fn)
}

type env struct {
	coordinator *Coordinator
	store       *storage.Memory
	clock       *clockwork.FakeClock
	notifier    *recordingNotifier
	location    domain.Location
}

func newTestEnv(t *testing.T, wrap func(storage.Store) storage.Store) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory(clock, 0.01)

	loc, err := store.UpsertLocation(context.Background(), domain.Location{
		Name: "Bogotá", Latitude: 4.71, Longitude: -74.07,
	})
	require.NoError(t, err)

	engine, err := alert.NewEngine(alert.DefaultConfig(), clock, logger)
	require.NoError(t, err)

	var s storage.Store = store
	if wrap != nil {
		s = wrap(store)
	}
	notifier := &recordingNotifier{}
	coordinator := New(s, &stubResolver{loc: loc}, engine, clock, logger,
		observability.NewMetricsForTesting(), WithWorkers(2), WithNotifier(notifier))

	return &env{
		coordinator: coordinator,
		store:       store,
		clock:       clock,
		notifier:    notifier,
		location:    loc,
	}
}

func openMeteoPayload(temp float64) []byte {
	return fmt.Appendf(nil, `{
		"latitude": 4.71, "longitude": -74.07, "location_name": "Bogotá",
		"current": {"time": "2026-03-14T12:00", "temperature_2m": %g, "relative_humidity_2m": 60, "weather_code": 0}
	}`, temp)
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("stores readings and fires alert transitions", func(t *testing.T) {
		e := newTestEnv(t, nil)

		result, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{
			openMeteoPayload(36),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stored)
		assert.Empty(t, result.Skipped)
		assert.NotEmpty(t, result.BatchID)

		require.Len(t, e.notifier.transitions, 1)
		tr := e.notifier.transitions[0]
		assert.Equal(t, alert.TransitionOpened, tr.Kind)
		assert.Equal(t, domain.AlertHighTemperature, tr.Alert.Type)
		assert.Equal(t, domain.SeverityMedium, tr.Alert.Severity)

		assert.NoError(t, e.coordinator.CheckReadiness(ctx))
	})

	t.Run("skips bad records without failing the batch", func(t *testing.T) {
		e := newTestEnv(t, nil)

		result, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{
			openMeteoPayload(20),
			[]byte(`{not json`),
			[]byte(`{"latitude": 4.71, "longitude": -74.07}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stored)
		require.Len(t, result.Skipped, 2)
	})

	t.Run("unknown provider skips every record", func(t *testing.T) {
		e := newTestEnv(t, nil)

		result, err := e.coordinator.IngestBatch(ctx, "acme-weather", [][]byte{openMeteoPayload(20)})
		require.NoError(t, err)
		assert.Zero(t, result.Stored)
		assert.Len(t, result.Skipped, 1)
		assert.Error(t, e.coordinator.CheckReadiness(ctx))
	})

	t.Run("re-ingest merges instead of duplicating", func(t *testing.T) {
		e := newTestEnv(t, nil)

		_, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{openMeteoPayload(31)})
		require.NoError(t, err)
		result, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{openMeteoPayload(31)})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stored)

		err = e.store.WithinTx(ctx, func(tx storage.Tx) error {
			readings, err := tx.FindRecentReadings(ctx, e.location.ID, time.Time{})
			require.NoError(t, err)
			assert.Len(t, readings, 1)
			return nil
		})
		require.NoError(t, err)

		// The alert opened once; the identical repeat was suppressed.
		require.Len(t, e.notifier.transitions, 1)
	})

	t.Run("storage outage aborts the batch", func(t *testing.T) {
		e := newTestEnv(t, func(s storage.Store) storage.Store {
			return &flakyStore{Store: s, failures: 100, failWith: fmt.Errorf("tx: %w", domain.ErrStorageUnavailable)}
		})

		_, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{
			openMeteoPayload(20), openMeteoPayload(21),
		})
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	})

	t.Run("caller cancellation is never a silent success", func(t *testing.T) {
		e := newTestEnv(t, nil)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := e.coordinator.IngestBatch(cancelled, normalize.ProviderOpenMeteo,
			[][]byte{openMeteoPayload(20)})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, result.Stored)
		assert.Empty(t, result.Skipped, "unprocessed records are covered by the batch error, not skips")
	})

	t.Run("resolver failure is a per-record skip", func(t *testing.T) {
		e := newTestEnv(t, nil)
		e.coordinator.resolver = &stubResolver{err: domain.ErrLocationNotFound}

		result, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{openMeteoPayload(20)})
		require.NoError(t, err)
		assert.Zero(t, result.Stored)
		assert.Len(t, result.Skipped, 1)
	})

	t.Run("notifier failure does not fail ingestion", func(t *testing.T) {
		e := newTestEnv(t, nil)
		e.notifier.err = errors.New("broker down")

		result, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, [][]byte{openMeteoPayload(36)})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stored)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		e := newTestEnv(t, nil)
		result, err := e.coordinator.IngestBatch(ctx, normalize.ProviderOpenMeteo, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Stored)
	})
}

func TestIngestBatchRetriesConflicts(t *testing.T) {
	flaky := &flakyStore{failWith: fmt.Errorf("tx: %w", domain.ErrStorageConflict), failures: 2}
	e := newTestEnv(t, func(s storage.Store) storage.Store {
		flaky.Store = s
		return flaky
	})

	done := make(chan struct{})
	var result BatchResult
	var err error
	go func() {
		defer close(done)
		result, err = e.coordinator.IngestBatch(context.Background(), normalize.ProviderOpenMeteo, [][]byte{
			openMeteoPayload(20),
		})
	}()

	// Two conflicts mean two backoff sleeps: 200ms then 400ms.
	e.clock.BlockUntil(1)
	e.clock.Advance(200 * time.Millisecond)
	e.clock.BlockUntil(1)
	e.clock.Advance(400 * time.Millisecond)
	<-done

	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
}

func TestIngestForecast(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, nil)

	payload := []byte(`{
		"latitude": 4.71, "longitude": -74.07, "location_name": "Bogotá",
		"daily": {
			"time": ["2026-03-14", "2026-03-15", "2026-03-16"],
			"temperature_2m_max": [19.1, 20.4, 18.8],
			"temperature_2m_min": [8.2, 9.0, 7.5],
			"precipitation_sum": [0.4, 12.0, 3.2],
			"weather_code": [3, 61, 61]
		}
	}`)

	applied, superseded, err := e.coordinator.IngestForecast(ctx, normalize.ProviderOpenMeteo, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, applied, "today's date is not a future target")
	assert.Zero(t, superseded)

	t.Run("same generation does not rewrite", func(t *testing.T) {
		applied, superseded, err := e.coordinator.IngestForecast(ctx, normalize.ProviderOpenMeteo, payload)
		require.NoError(t, err)
		assert.Zero(t, applied)
		assert.Equal(t, 2, superseded)
	})

	t.Run("later generation replaces", func(t *testing.T) {
		e.clock.Advance(time.Hour)
		applied, superseded, err := e.coordinator.IngestForecast(ctx, normalize.ProviderOpenMeteo, payload)
		require.NoError(t, err)
		assert.Equal(t, 2, applied)
		assert.Zero(t, superseded)
	})

	t.Run("payload without daily block errors", func(t *testing.T) {
		_, _, err := e.coordinator.IngestForecast(ctx, normalize.ProviderOpenMeteo, openMeteoPayload(20))
		assert.True(t, domain.IsNormalization(err))
	})
}
