package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying pipeline failures. Per-record conditions
// (normalization, location) skip the record and continue the batch;
// ErrStorageConflict is retried with backoff; ErrStorageUnavailable aborts
// the remaining batch.
var (
	// ErrLocationNotFound means geocoding yielded no result and no
	// name/coordinate fallback exists for the record.
	ErrLocationNotFound = errors.New("location not found")

	// ErrGeocodeNotFound is returned by geocoder adapters when the provider
	// has no match for the query.
	ErrGeocodeNotFound = errors.New("geocoder returned no result")

	// ErrStorageConflict marks a transient write rejection under contention.
	ErrStorageConflict = errors.New("storage write conflict")

	// ErrStorageUnavailable marks the backend as down. Not retried per
	// record; surfaced to the caller as a batch-fatal failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// NormalizationError reports a malformed or incomplete provider record. It
// is local and recoverable: the coordinator logs it, records the skip in the
// batch result, and moves on.
type NormalizationError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s record: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s record: %s", e.Provider, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// IsNormalization reports whether err is a NormalizationError.
func IsNormalization(err error) bool {
	var ne *NormalizationError
	return errors.As(err, &ne)
}
