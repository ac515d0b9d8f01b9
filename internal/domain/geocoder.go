package domain

import "context"

// GeocodingResult contains location data returned by a geocoding provider.
type GeocodingResult struct {
	Lat         float64
	Lon         float64
	Name        string
	DisplayName string
	Country     string
	State       string
	City        string
}

// Geocoder resolves free-text place names and coordinate pairs against an
// external geocoding service. Implementations return ErrGeocodeNotFound
// when the service has no match.
type Geocoder interface {
	// Geocode converts a free-text query to coordinates and a canonical name.
	Geocode(ctx context.Context, query string) (GeocodingResult, error)

	// ReverseGeocode converts coordinates to place details.
	ReverseGeocode(ctx context.Context, lat, lon float64) (GeocodingResult, error)
}
