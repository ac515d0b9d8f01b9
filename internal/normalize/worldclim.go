package normalize

import (
	"encoding/json"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
)

// worldClimPayload carries WorldClim historical climate averages as flattened
// by the collector from the monthly raster extracts. These are long-term
// means, not live observations, which is why the source ranks lowest: it
// only ever fills gaps left by the real-time feeds.
type worldClimPayload struct {
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	LocationName string   `json:"location_name"`
	Month        string   `json:"month"` // e.g. "2026-08", the month the average stands in for
	TempAvg      *float64 `json:"temperature_avg"`
	PrecipAvg    *float64 `json:"precipitation_avg"`
	HumidityAvg  *float64 `json:"humidity_avg"`
	Period       string   `json:"period"` // reference period, e.g. "1970-2000"
}

func worldClimRef(payload []byte) (domain.LocationRef, error) {
	p, err := parseWorldClim(payload)
	if err != nil {
		return domain.LocationRef{}, err
	}
	return domain.LocationRef{Name: p.LocationName, Lat: p.Latitude, Lon: p.Longitude}, nil
}

func worldClimReading(payload []byte) (domain.Reading, error) {
	p, err := parseWorldClim(payload)
	if err != nil {
		return domain.Reading{}, err
	}

	ts, err := parseObservationTime(p.Month + "-01T00:00")
	if err != nil {
		return domain.Reading{}, &domain.NormalizationError{
			Provider: ProviderWorldClim, Reason: "missing or malformed month", Err: err,
		}
	}

	return domain.Reading{
		Timestamp:     ts,
		Temperature:   p.TempAvg,
		Precipitation: p.PrecipAvg,
		Humidity:      p.HumidityAvg,
		Condition:     domain.ConditionUnknown,
	}, nil
}

func parseWorldClim(payload []byte) (worldClimPayload, error) {
	var p worldClimPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worldClimPayload{}, &domain.NormalizationError{
			Provider: ProviderWorldClim, Reason: "malformed payload", Err: err,
		}
	}
	return p, nil
}
