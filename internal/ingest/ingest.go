// Package ingest coordinates the pipeline from raw provider payloads to
// stored readings and alert transitions. A batch fans out over a bounded
// worker pool; each record is normalized, resolved to a canonical location,
// and committed in one storage transaction together with the alert
// evaluation it triggers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-alert-pipeline/internal/alert"
	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/normalize"
	"github.com/couchcryptid/weather-alert-pipeline/internal/observability"
	"github.com/couchcryptid/weather-alert-pipeline/internal/storage"
)

// LocationResolver resolves provider location references.
type LocationResolver interface {
	Resolve(ctx context.Context, ref domain.LocationRef) (domain.Location, error)
}

// Notifier receives alert transitions after they commit. Delivery is best
// effort; failures are logged and never fail ingestion.
type Notifier interface {
	NotifyAlert(ctx context.Context, tr alert.Transition) error
}

// Skip records one batch record that was dropped rather than stored.
type Skip struct {
	Index  int
	Reason string
}

// BatchResult summarizes one ingestion batch. When IngestBatch also returns
// an error the result covers the records processed before the abort.
type BatchResult struct {
	BatchID  string
	Provider string
	Stored   int
	Skipped  []Skip
}

// Coordinator drives batches through normalization, resolution, storage and
// alert evaluation.
type Coordinator struct {
	store    storage.Store
	resolver LocationResolver
	engine   *alert.Engine
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	workers  int
	locks    keyedLocks

	ready atomic.Bool
}

// Option adjusts coordinator behavior.
type Option func(*Coordinator)

// WithWorkers bounds batch concurrency. Values below one fall back to the
// default of four.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n >= 1 {
			c.workers = n
		}
	}
}

// WithNotifier installs a transition notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func New(store storage.Store, resolver LocationResolver, engine *alert.Engine, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		resolver: resolver,
		engine:   engine,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		workers:  4,
	}
	c.locks.entries = make(map[string]*lockEntry)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckReadiness returns nil once the coordinator has committed at least one
// record.
func (c *Coordinator) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("no records ingested yet")
	}
	return nil
}

// IngestBatch processes one provider batch. Records that fail normalization
// or location resolution are skipped individually; storage unavailability
// aborts the whole batch and is returned as an error wrapping
// domain.ErrStorageUnavailable.
func (c *Coordinator) IngestBatch(ctx context.Context, provider string, payloads [][]byte) (BatchResult, error) {
	result := BatchResult{
		BatchID:  uuid.NewString(),
		Provider: provider,
	}
	if len(payloads) == 0 {
		return result, nil
	}

	logger := c.logger.With("batch_id", result.BatchID, "provider", provider)
	start := time.Now()
	c.metrics.BatchSize.Observe(float64(len(payloads)))

	// A fatal record error cancels the rest of the batch.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]error, len(payloads))
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for i := range payloads {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = c.ingestOne(ctx, logger, provider, payloads[i])
			if errors.Is(outcomes[i], domain.ErrStorageUnavailable) {
				cancel()
			}
		}(i)
	}
	wg.Wait()

	var fatal error
	for i, err := range outcomes {
		switch {
		case err == nil:
			result.Stored++
			c.metrics.RecordsIngested.WithLabelValues(provider, "stored").Inc()
		case errors.Is(err, domain.ErrStorageUnavailable):
			if fatal == nil {
				fatal = err
			}
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			// Cancelled by a fatal sibling or the caller; accounted for by
			// the batch error below, not a skip of its own.
		default:
			logger.Warn("record skipped", "index", i, "error", err)
			result.Skipped = append(result.Skipped, Skip{Index: i, Reason: err.Error()})
			c.metrics.RecordsIngested.WithLabelValues(provider, "skipped").Inc()
		}
	}

	// Every cancellation a goroutine observed without a fatal sibling came
	// from the caller. The partial result still reports what committed, but
	// unprocessed records must not pass as a clean batch.
	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}

	if fatal != nil {
		logger.Error("batch aborted", "error", fatal, "stored", result.Stored)
		return result, fmt.Errorf("batch %s: %w", result.BatchID, fatal)
	}

	c.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	if result.Stored > 0 {
		c.ready.Store(true)
	}
	logger.Info("batch complete",
		"stored", result.Stored, "skipped", len(result.Skipped),
		"duration", time.Since(start))
	return result, nil
}

func (c *Coordinator) ingestOne(ctx context.Context, logger *slog.Logger, provider string, payload []byte) error {
	ref, err := normalize.Ref(provider, payload)
	if err != nil {
		return err
	}
	loc, err := c.resolver.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	reading, err := normalize.Reading(provider, payload)
	if err != nil {
		return err
	}
	reading.LocationID = loc.ID
	reading.IngestedAt = c.clock.Now()

	// Serialize writers on the natural key so two payloads for the same
	// slot cannot interleave their merge.
	unlock := c.locks.lock(fmt.Sprintf("%d/%s/%d", loc.ID, reading.Source, reading.Timestamp.UnixNano()))
	defer unlock()

	var transitions []alert.Transition
	err = c.withConflictRetry(ctx, func() error {
		transitions = nil
		return c.store.WithinTx(ctx, func(tx storage.Tx) error {
			stored, err := tx.UpsertReading(ctx, reading)
			if err != nil {
				return err
			}
			transitions, err = c.engine.Evaluate(ctx, tx, stored)
			return err
		})
	})
	if err != nil {
		return err
	}

	for _, tr := range transitions {
		c.metrics.AlertTransitions.WithLabelValues(string(tr.Alert.Type), string(tr.Kind)).Inc()
		c.notify(ctx, logger, tr)
	}
	return nil
}

// IngestForecast processes one forecast payload for a provider, storing the
// daily points that target the future. Points already covered by a newer
// generation are counted but not rewritten.
func (c *Coordinator) IngestForecast(ctx context.Context, provider string, payload []byte) (applied, superseded int, err error) {
	ref, err := normalize.Ref(provider, payload)
	if err != nil {
		return 0, 0, err
	}
	loc, err := c.resolver.Resolve(ctx, ref)
	if err != nil {
		return 0, 0, err
	}
	now := c.clock.Now()
	points, err := normalize.Forecast(provider, payload, now)
	if err != nil {
		return 0, 0, err
	}

	err = c.withConflictRetry(ctx, func() error {
		applied, superseded = 0, 0
		return c.store.WithinTx(ctx, func(tx storage.Tx) error {
			for _, fp := range points {
				if !fp.TargetDate.After(now) {
					c.metrics.ForecastPoints.WithLabelValues(provider, "skipped").Inc()
					continue
				}
				fp.LocationID = loc.ID
				_, ok, err := tx.UpsertForecastPoint(ctx, fp)
				if err != nil {
					return err
				}
				if ok {
					applied++
					c.metrics.ForecastPoints.WithLabelValues(provider, "applied").Inc()
				} else {
					superseded++
					c.metrics.ForecastPoints.WithLabelValues(provider, "superseded").Inc()
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return applied, superseded, nil
}

// withConflictRetry reruns fn on storage conflicts with exponential backoff,
// starting at 200ms and capping at 5s. Anything else passes through.
func (c *Coordinator) withConflictRetry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second
	const maxAttempts = 5

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrStorageConflict) {
			return err
		}
		c.metrics.StorageConflicts.Inc()
		if attempt == maxAttempts {
			break
		}
		if !c.sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, err)
}

func (c *Coordinator) notify(ctx context.Context, logger *slog.Logger, tr alert.Transition) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyAlert(ctx, tr); err != nil {
		logger.Warn("alert notification failed",
			"alert_type", tr.Alert.Type, "transition", tr.Kind, "error", err)
	}
}

func (c *Coordinator) sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// keyedLocks provides per-key mutual exclusion with refcounted cleanup so
// the map does not grow with every natural key ever seen.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
