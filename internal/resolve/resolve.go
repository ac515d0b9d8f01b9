// Package resolve turns provider location references into canonical
// location rows, creating them on first sight. Coordinate references match
// existing rows within a tolerance window; name references fall back to
// geocoding. Geocoder calls are rate limited to stay inside the upstream
// usage policy.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/storage"
)

// Resolver resolves location references against the store, consulting the
// geocoder only on a store miss.
type Resolver struct {
	store    storage.Store
	geocoder domain.Geocoder
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// Option adjusts resolver behavior.
type Option func(*Resolver)

// WithRateLimit overrides the default one-request-per-second geocoder
// limit.
func WithRateLimit(l rate.Limit, burst int) Option {
	return func(r *Resolver) { r.limiter = rate.NewLimiter(l, burst) }
}

func New(store storage.Store, geocoder domain.Geocoder, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		geocoder: geocoder,
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the canonical location for a reference, creating one if
// none exists. Coordinate references always resolve: when reverse geocoding
// fails the row is created with a synthetic coordinate name. Name-only
// references that the geocoder cannot place return ErrLocationNotFound.
func (r *Resolver) Resolve(ctx context.Context, ref domain.LocationRef) (domain.Location, error) {
	if err := ref.Validate(); err != nil {
		return domain.Location{}, fmt.Errorf("%w: %v", domain.ErrLocationNotFound, err)
	}
	if ref.HasCoordinates() {
		return r.resolveCoordinates(ctx, ref)
	}
	return r.resolveName(ctx, ref.Name)
}

func (r *Resolver) resolveCoordinates(ctx context.Context, ref domain.LocationRef) (domain.Location, error) {
	lat, lon := *ref.Lat, *ref.Lon

	existing, err := r.store.FindLocationByCoordinates(ctx, lat, lon)
	if err != nil {
		return domain.Location{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	loc := domain.Location{
		Name:      ref.Name,
		Latitude:  lat,
		Longitude: lon,
	}
	if result, err := r.reverseGeocode(ctx, lat, lon); err == nil {
		if loc.Name == "" {
			loc.Name = result.Name
		}
		loc.Country = result.Country
		loc.State = result.State
		loc.City = result.City
	} else {
		r.logger.WarnContext(ctx, "reverse geocode failed, using coordinate name",
			"lat", lat, "lon", lon, "error", err)
	}
	if loc.Name == "" {
		loc.Name = fmt.Sprintf("Lat:%.4f, Lon:%.4f", lat, lon)
	}

	return r.store.UpsertLocation(ctx, loc)
}

func (r *Resolver) resolveName(ctx context.Context, name string) (domain.Location, error) {
	existing, err := r.store.FindLocationByName(ctx, name)
	if err != nil {
		return domain.Location{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return domain.Location{}, fmt.Errorf("%w: geocoder rate wait: %v", domain.ErrLocationNotFound, err)
	}
	result, err := r.geocoder.Geocode(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrGeocodeNotFound) {
			return domain.Location{}, fmt.Errorf("%w: no geocoding match for %q", domain.ErrLocationNotFound, name)
		}
		return domain.Location{}, fmt.Errorf("%w: geocode %q: %v", domain.ErrLocationNotFound, name, err)
	}

	// A freshly geocoded pair may land inside the window of a row created
	// under a different name; the coordinate upsert collapses them.
	loc := domain.Location{
		Name:      name,
		Country:   result.Country,
		State:     result.State,
		City:      result.City,
		Latitude:  result.Lat,
		Longitude: result.Lon,
	}
	if result.Name != "" {
		loc.Name = result.Name
	}
	return r.store.UpsertLocation(ctx, loc)
}

func (r *Resolver) reverseGeocode(ctx context.Context, lat, lon float64) (domain.GeocodingResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.GeocodingResult{}, err
	}
	return r.geocoder.ReverseGeocode(ctx, lat, lon)
}
