package domain

import (
	"errors"
	"fmt"
	"time"
)

// Location is a canonical place row. Created on first resolution of a new
// name or coordinate pair; metadata may be refreshed but coordinates and
// identity never change.
type Location struct {
	ID        int64
	Name      string
	Country   string
	State     string
	City      string
	Region    string
	Latitude  float64
	Longitude float64
	Altitude  *float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the location invariants: non-empty name and a valid
// WGS-84 coordinate pair.
func (l Location) Validate() error {
	if l.Name == "" {
		return errors.New("location name is empty")
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", l.Longitude)
	}
	return nil
}

// LocationRef is how a raw provider record points at a place before
// resolution: a free-text name, a coordinate pair, or both.
type LocationRef struct {
	Name string
	Lat  *float64
	Lon  *float64
}

// HasCoordinates reports whether both latitude and longitude are present.
func (r LocationRef) HasCoordinates() bool {
	return r.Lat != nil && r.Lon != nil
}

// Validate checks that the reference carries enough to resolve: a name or a
// full coordinate pair.
func (r LocationRef) Validate() error {
	if r.Name == "" && !r.HasCoordinates() {
		return errors.New("location reference needs a name or a coordinate pair")
	}
	if r.HasCoordinates() {
		if *r.Lat < -90 || *r.Lat > 90 {
			return fmt.Errorf("latitude %v out of range [-90,90]", *r.Lat)
		}
		if *r.Lon < -180 || *r.Lon > 180 {
			return fmt.Errorf("longitude %v out of range [-180,180]", *r.Lon)
		}
	}
	return nil
}
