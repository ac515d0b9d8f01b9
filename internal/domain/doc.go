// Package domain models the canonical weather-observation schema shared by
// every stage of the ingestion pipeline.
//
// # Canonical model
//
// Providers report overlapping but differently-shaped data. The normalizer
// (internal/normalize) maps each provider payload into a [Reading]: one
// observation for one location at one instant, from one source. Numeric
// fields are pointers: a nil field means the provider did not report it,
// which is distinct from a reported zero (zero precipitation or wind speed
// is a valid measurement).
//
// The (LocationID, Source, Timestamp) triple is the natural key of a
// reading. Re-ingesting the same observation is an idempotent upsert; field
// conflicts are resolved by source priority (see [MergeReading]).
//
// # Condition codes
//
// Provider weather codes (WMO codes for open-meteo, vendor codes elsewhere)
// are translated to the closed [ConditionCode] enumeration. Codes the
// translation table does not know map to [ConditionUnknown] rather than
// failing the record.
//
// # Alerts
//
// An [Alert] is opened when a reading breaches a configured threshold ladder
// and closed when a later reading stops breaching or the alert outlives its
// TTL. At most one active alert exists per (location, alert type); the
// storage layer's conditional upsert is the correctness backstop under
// concurrent ingestion.
package domain
