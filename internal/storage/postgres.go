package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store over a Postgres database.
type Postgres struct {
	db        *sqlx.DB
	tolerance float64
}

// NewPostgres connects to the database and verifies the connection. The
// tolerance is the coordinate window used for location matching, in degrees.
func NewPostgres(ctx context.Context, dsn string, tolerance float64) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", mapPGError(err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db, tolerance: tolerance}, nil
}

// EnsureSchema applies the embedded schema. Every statement is idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", mapPGError(err))
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

const locationColumns = `id, name, country, state, city, region, latitude, longitude, altitude, created_at, updated_at`

type locationRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Country   string    `db:"country"`
	State     string    `db:"state"`
	City      string    `db:"city"`
	Region    string    `db:"region"`
	Latitude  float64   `db:"latitude"`
	Longitude float64   `db:"longitude"`
	Altitude  *float64  `db:"altitude"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r locationRow) toDomain() domain.Location {
	return domain.Location{
		ID:        r.ID,
		Name:      r.Name,
		Country:   r.Country,
		State:     r.State,
		City:      r.City,
		Region:    r.Region,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Altitude:  r.Altitude,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (p *Postgres) UpsertLocation(ctx context.Context, loc domain.Location) (domain.Location, error) {
	if err := loc.Validate(); err != nil {
		return domain.Location{}, err
	}

	// The bucket conflict makes insert-if-absent atomic: the loser of a
	// concurrent insert gets the winner's row back instead of a duplicate.
	var row locationRow
	err := p.db.GetContext(ctx, &row, `
		INSERT INTO locations (name, country, state, city, region, latitude, longitude, altitude, lat_bucket, lon_bucket)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (lat_bucket, lon_bucket) DO UPDATE SET updated_at = now()
		RETURNING `+locationColumns,
		loc.Name, loc.Country, loc.State, loc.City, loc.Region,
		loc.Latitude, loc.Longitude, loc.Altitude,
		bucket(loc.Latitude, p.tolerance), bucket(loc.Longitude, p.tolerance),
	)
	if err != nil {
		return domain.Location{}, fmt.Errorf("upsert location: %w", mapPGError(err))
	}
	return row.toDomain(), nil
}

func (p *Postgres) FindLocationByCoordinates(ctx context.Context, lat, lon float64) (*domain.Location, error) {
	var row locationRow
	err := p.db.GetContext(ctx, &row, `
		SELECT `+locationColumns+` FROM locations
		WHERE latitude BETWEEN $1 - $3 AND $1 + $3
		  AND longitude BETWEEN $2 - $3 AND $2 + $3
		ORDER BY (latitude - $1) * (latitude - $1) + (longitude - $2) * (longitude - $2)
		LIMIT 1`,
		lat, lon, p.tolerance,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find location by coordinates: %w", mapPGError(err))
	}
	loc := row.toDomain()
	return &loc, nil
}

func (p *Postgres) FindLocationByName(ctx context.Context, name string) (*domain.Location, error) {
	var row locationRow
	err := p.db.GetContext(ctx, &row, `
		SELECT `+locationColumns+` FROM locations
		WHERE lower(name) LIKE '%' || lower($1) || '%'
		ORDER BY id
		LIMIT 1`,
		name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find location by name: %w", mapPGError(err))
	}
	loc := row.toDomain()
	return &loc, nil
}

func (p *Postgres) GetLocation(ctx context.Context, id int64) (*domain.Location, error) {
	var row locationRow
	err := p.db.GetContext(ctx, &row, `SELECT `+locationColumns+` FROM locations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", mapPGError(err))
	}
	loc := row.toDomain()
	return &loc, nil
}

func (p *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	txx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPGError(err))
	}
	defer txx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: txx}); err != nil {
		return err
	}
	if err := txx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPGError(err))
	}
	return nil
}

func (p *Postgres) ExpireAlerts(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alerts
		SET is_active = FALSE, resolved_at = expires_at, updated_at = $1
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire alerts: %w", mapPGError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire alerts: %w", mapPGError(err))
	}
	return n, nil
}

func (p *Postgres) ActiveAlerts(ctx context.Context, locationID int64, now time.Time) ([]domain.Alert, error) {
	var rows []alertRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+alertColumns+` FROM alerts
		WHERE is_active
		  AND (expires_at IS NULL OR expires_at > $1)
		  AND ($2::BIGINT = 0 OR location_id = $2)
		ORDER BY opened_at DESC`,
		now, locationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", mapPGError(err))
	}
	alerts := make([]domain.Alert, 0, len(rows))
	for _, r := range rows {
		alerts = append(alerts, r.toDomain())
	}
	return alerts, nil
}

// pgTx implements Tx over one database transaction.
type pgTx struct {
	tx *sqlx.Tx
}

const readingColumns = `id, location_id, source, priority, observed_at, temperature, humidity, precipitation, wind_speed, wind_direction, pressure, cloud_cover, uv_index, condition, ingested_at`

type readingRow struct {
	ID            int64     `db:"id"`
	LocationID    int64     `db:"location_id"`
	Source        string    `db:"source"`
	Priority      int       `db:"priority"`
	ObservedAt    time.Time `db:"observed_at"`
	Temperature   *float64  `db:"temperature"`
	Humidity      *float64  `db:"humidity"`
	Precipitation *float64  `db:"precipitation"`
	WindSpeed     *float64  `db:"wind_speed"`
	WindDirection *float64  `db:"wind_direction"`
	Pressure      *float64  `db:"pressure"`
	CloudCover    *float64  `db:"cloud_cover"`
	UVIndex       *float64  `db:"uv_index"`
	Condition     string    `db:"condition"`
	IngestedAt    time.Time `db:"ingested_at"`
}

func (r readingRow) toDomain() domain.Reading {
	return domain.Reading{
		ID:            r.ID,
		LocationID:    r.LocationID,
		Source:        r.Source,
		Priority:      r.Priority,
		Timestamp:     r.ObservedAt,
		Temperature:   r.Temperature,
		Humidity:      r.Humidity,
		Precipitation: r.Precipitation,
		WindSpeed:     r.WindSpeed,
		WindDirection: r.WindDirection,
		Pressure:      r.Pressure,
		CloudCover:    r.CloudCover,
		UVIndex:       r.UVIndex,
		Condition:     domain.ConditionCode(r.Condition),
		IngestedAt:    r.IngestedAt,
	}
}

func (t *pgTx) UpsertReading(ctx context.Context, r domain.Reading) (domain.Reading, error) {
	// Lock the existing row (if any) so the merge below cannot race a
	// concurrent writer for the same natural key.
	var existing readingRow
	err := t.tx.GetContext(ctx, &existing, `
		SELECT `+readingColumns+` FROM readings
		WHERE location_id = $1 AND source = $2 AND observed_at = $3
		FOR UPDATE`,
		r.LocationID, r.Source, r.Timestamp,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var row readingRow
		err := t.tx.GetContext(ctx, &row, `
			INSERT INTO readings (location_id, source, priority, observed_at, temperature, humidity, precipitation, wind_speed, wind_direction, pressure, cloud_cover, uv_index, condition, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING `+readingColumns,
			r.LocationID, r.Source, r.Priority, r.Timestamp,
			r.Temperature, r.Humidity, r.Precipitation, r.WindSpeed, r.WindDirection,
			r.Pressure, r.CloudCover, r.UVIndex, string(r.Condition), r.IngestedAt,
		)
		if err != nil {
			return domain.Reading{}, fmt.Errorf("insert reading: %w", mapPGError(err))
		}
		return row.toDomain(), nil
	case err != nil:
		return domain.Reading{}, fmt.Errorf("lock reading: %w", mapPGError(err))
	}

	merged := domain.MergeReading(existing.toDomain(), r)
	var row readingRow
	err = t.tx.GetContext(ctx, &row, `
		UPDATE readings SET
			priority = $2, temperature = $3, humidity = $4, precipitation = $5,
			wind_speed = $6, wind_direction = $7, pressure = $8, cloud_cover = $9,
			uv_index = $10, condition = $11, ingested_at = $12
		WHERE id = $1
		RETURNING `+readingColumns,
		existing.ID, merged.Priority,
		merged.Temperature, merged.Humidity, merged.Precipitation,
		merged.WindSpeed, merged.WindDirection, merged.Pressure, merged.CloudCover,
		merged.UVIndex, string(merged.Condition), merged.IngestedAt,
	)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("merge reading: %w", mapPGError(err))
	}
	return row.toDomain(), nil
}

func (t *pgTx) FindRecentReadings(ctx context.Context, locationID int64, since time.Time) ([]domain.Reading, error) {
	var rows []readingRow
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+readingColumns+` FROM readings
		WHERE location_id = $1 AND observed_at > $2
		ORDER BY observed_at DESC`,
		locationID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("find recent readings: %w", mapPGError(err))
	}
	readings := make([]domain.Reading, 0, len(rows))
	for _, r := range rows {
		readings = append(readings, r.toDomain())
	}
	return readings, nil
}

const alertColumns = `id, location_id, reading_id, alert_type, severity, threshold, observed, is_active, opened_at, updated_at, expires_at, resolved_at`

type alertRow struct {
	ID         int64      `db:"id"`
	LocationID int64      `db:"location_id"`
	ReadingID  *int64     `db:"reading_id"`
	AlertType  string     `db:"alert_type"`
	Severity   int16      `db:"severity"`
	Threshold  float64    `db:"threshold"`
	Observed   float64    `db:"observed"`
	IsActive   bool       `db:"is_active"`
	OpenedAt   time.Time  `db:"opened_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	ExpiresAt  *time.Time `db:"expires_at"`
	ResolvedAt *time.Time `db:"resolved_at"`
}

func (r alertRow) toDomain() domain.Alert {
	return domain.Alert{
		ID:         r.ID,
		LocationID: r.LocationID,
		ReadingID:  r.ReadingID,
		Type:       domain.AlertType(r.AlertType),
		Severity:   domain.Severity(r.Severity),
		Threshold:  r.Threshold,
		Observed:   r.Observed,
		Active:     r.IsActive,
		OpenedAt:   r.OpenedAt,
		UpdatedAt:  r.UpdatedAt,
		ExpiresAt:  r.ExpiresAt,
		ResolvedAt: r.ResolvedAt,
	}
}

func (t *pgTx) FindActiveAlert(ctx context.Context, locationID int64, typ domain.AlertType, now time.Time) (*domain.Alert, error) {
	var row alertRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+alertColumns+` FROM alerts
		WHERE location_id = $1 AND alert_type = $2 AND is_active
		  AND (expires_at IS NULL OR expires_at > $3)
		LIMIT 1`,
		locationID, string(typ), now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active alert: %w", mapPGError(err))
	}
	alert := row.toDomain()
	return &alert, nil
}

func (t *pgTx) OpenOrEscalateAlert(ctx context.Context, a domain.Alert) (domain.Alert, AlertOutcome, error) {
	// Close a lapsed predecessor first so the conditional upsert below
	// compares severities against live alerts only. The periodic sweep
	// handles locations that stop ingesting entirely.
	_, err := t.tx.ExecContext(ctx, `
		UPDATE alerts
		SET is_active = FALSE, resolved_at = expires_at, updated_at = $3
		WHERE location_id = $1 AND alert_type = $2 AND is_active
		  AND expires_at IS NOT NULL AND expires_at <= $3`,
		a.LocationID, string(a.Type), a.UpdatedAt,
	)
	if err != nil {
		return domain.Alert{}, AlertSuppressed, fmt.Errorf("close expired alert: %w", mapPGError(err))
	}

	var row struct {
		alertRow
		Inserted bool `db:"inserted"`
	}
	err = t.tx.GetContext(ctx, &row, `
		INSERT INTO alerts (location_id, reading_id, alert_type, severity, threshold, observed, is_active, opened_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7, $8)
		ON CONFLICT (location_id, alert_type) WHERE is_active DO UPDATE SET
			severity = EXCLUDED.severity,
			threshold = EXCLUDED.threshold,
			observed = EXCLUDED.observed,
			reading_id = EXCLUDED.reading_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE alerts.severity < EXCLUDED.severity
		RETURNING `+alertColumns+`, (xmax = 0) AS inserted`,
		a.LocationID, a.ReadingID, string(a.Type), int16(a.Severity),
		a.Threshold, a.Observed, a.UpdatedAt, a.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict hit an active alert at equal or higher severity.
		return domain.Alert{}, AlertSuppressed, nil
	}
	if err != nil {
		return domain.Alert{}, AlertSuppressed, fmt.Errorf("open or escalate alert: %w", mapPGError(err))
	}
	if row.Inserted {
		return row.toDomain(), AlertOpened, nil
	}
	return row.toDomain(), AlertEscalated, nil
}

func (t *pgTx) CloseActiveAlert(ctx context.Context, locationID int64, typ domain.AlertType, now time.Time, observed float64) (*domain.Alert, error) {
	var row alertRow
	err := t.tx.GetContext(ctx, &row, `
		UPDATE alerts
		SET is_active = FALSE, observed = $4, resolved_at = $3, updated_at = $3
		WHERE location_id = $1 AND alert_type = $2 AND is_active
		  AND (expires_at IS NULL OR expires_at > $3)
		RETURNING `+alertColumns,
		locationID, string(typ), now, observed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("close active alert: %w", mapPGError(err))
	}
	alert := row.toDomain()
	return &alert, nil
}

const forecastColumns = `id, location_id, source, target_date, generated_at, temp_min, temp_max, precip_sum, precip_prob, wind_speed, wind_direction, condition, created_at`

type forecastRow struct {
	ID            int64     `db:"id"`
	LocationID    int64     `db:"location_id"`
	Source        string    `db:"source"`
	TargetDate    time.Time `db:"target_date"`
	GeneratedAt   time.Time `db:"generated_at"`
	TempMin       *float64  `db:"temp_min"`
	TempMax       *float64  `db:"temp_max"`
	PrecipSum     *float64  `db:"precip_sum"`
	PrecipProb    *float64  `db:"precip_prob"`
	WindSpeed     *float64  `db:"wind_speed"`
	WindDirection *float64  `db:"wind_direction"`
	Condition     string    `db:"condition"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r forecastRow) toDomain() domain.ForecastPoint {
	return domain.ForecastPoint{
		ID:            r.ID,
		LocationID:    r.LocationID,
		Source:        r.Source,
		TargetDate:    r.TargetDate,
		GeneratedAt:   r.GeneratedAt,
		TempMin:       r.TempMin,
		TempMax:       r.TempMax,
		PrecipSum:     r.PrecipSum,
		PrecipProb:    r.PrecipProb,
		WindSpeed:     r.WindSpeed,
		WindDirection: r.WindDirection,
		Condition:     domain.ConditionCode(r.Condition),
		CreatedAt:     r.CreatedAt,
	}
}

func (t *pgTx) UpsertForecastPoint(ctx context.Context, fp domain.ForecastPoint) (domain.ForecastPoint, bool, error) {
	var row forecastRow
	err := t.tx.GetContext(ctx, &row, `
		INSERT INTO forecast_points (location_id, source, target_date, generated_at, temp_min, temp_max, precip_sum, precip_prob, wind_speed, wind_direction, condition)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (location_id, source, target_date) DO UPDATE SET
			generated_at = EXCLUDED.generated_at,
			temp_min = EXCLUDED.temp_min,
			temp_max = EXCLUDED.temp_max,
			precip_sum = EXCLUDED.precip_sum,
			precip_prob = EXCLUDED.precip_prob,
			wind_speed = EXCLUDED.wind_speed,
			wind_direction = EXCLUDED.wind_direction,
			condition = EXCLUDED.condition
		WHERE EXCLUDED.generated_at > forecast_points.generated_at
		RETURNING `+forecastColumns,
		fp.LocationID, fp.Source, fp.TargetDate, fp.GeneratedAt,
		fp.TempMin, fp.TempMax, fp.PrecipSum, fp.PrecipProb,
		fp.WindSpeed, fp.WindDirection, string(fp.Condition),
	)
	if errors.Is(err, sql.ErrNoRows) {
		// An equal or newer generation already holds this slot.
		err = t.tx.GetContext(ctx, &row, `
			SELECT `+forecastColumns+` FROM forecast_points
			WHERE location_id = $1 AND source = $2 AND target_date = $3`,
			fp.LocationID, fp.Source, fp.TargetDate,
		)
		if err != nil {
			return domain.ForecastPoint{}, false, fmt.Errorf("load superseding forecast: %w", mapPGError(err))
		}
		return row.toDomain(), false, nil
	}
	if err != nil {
		return domain.ForecastPoint{}, false, fmt.Errorf("upsert forecast point: %w", mapPGError(err))
	}
	return row.toDomain(), true, nil
}

// mapPGError classifies driver errors into the pipeline taxonomy: transient
// contention becomes ErrStorageConflict (retried with backoff), connection
// loss becomes ErrStorageUnavailable (batch-fatal).
func mapPGError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", // serialization_failure
			pqErr.Code == "40P01", // deadlock_detected
			pqErr.Code == "23505", // unique_violation (concurrent insert, retry sees the row)
			pqErr.Code == "55P03": // lock_not_available
			return fmt.Errorf("%w: %v", domain.ErrStorageConflict, err)
		case strings.HasPrefix(string(pqErr.Code), "08"), // connection exceptions
			strings.HasPrefix(string(pqErr.Code), "53"), // insufficient resources
			strings.HasPrefix(string(pqErr.Code), "57"): // operator intervention / shutdown
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return err
}
