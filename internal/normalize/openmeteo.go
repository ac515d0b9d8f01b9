package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
)

// openMeteoPayload is the open-meteo forecast API response. The API echoes
// the requested coordinates; the upstream collector may additionally inject
// a "location_name" field the way it tags every payload it fetches.
type openMeteoPayload struct {
	Latitude     *float64        `json:"latitude"`
	Longitude    *float64        `json:"longitude"`
	LocationName string          `json:"location_name"`
	Current      *openMeteoBlock `json:"current"`
	Daily        *openMeteoDaily `json:"daily"`
}

type openMeteoBlock struct {
	Time          string   `json:"time"`
	Temperature   *float64 `json:"temperature_2m"`
	Humidity      *float64 `json:"relative_humidity_2m"`
	Precipitation *float64 `json:"precipitation"`
	Rain          *float64 `json:"rain"`
	WeatherCode   *int     `json:"weather_code"`
	CloudCover    *float64 `json:"cloud_cover"`
	PressureMSL   *float64 `json:"pressure_msl"`
	WindSpeed     *float64 `json:"wind_speed_10m"`
	WindDirection *float64 `json:"wind_direction_10m"`
	UVIndex       *float64 `json:"uv_index"`
}

type openMeteoDaily struct {
	Time          []string   `json:"time"`
	TempMax       []*float64 `json:"temperature_2m_max"`
	TempMin       []*float64 `json:"temperature_2m_min"`
	PrecipSum     []*float64 `json:"precipitation_sum"`
	PrecipProbMax []*float64 `json:"precipitation_probability_max"`
	WindSpeedMax  []*float64 `json:"wind_speed_10m_max"`
	WindDirDom    []*float64 `json:"wind_direction_10m_dominant"`
	WeatherCode   []*int     `json:"weather_code"`
}

func parseOpenMeteo(payload []byte) (openMeteoPayload, error) {
	var p openMeteoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return openMeteoPayload{}, &domain.NormalizationError{
			Provider: ProviderOpenMeteo, Reason: "malformed payload", Err: err,
		}
	}
	return p, nil
}

func openMeteoRef(payload []byte) (domain.LocationRef, error) {
	p, err := parseOpenMeteo(payload)
	if err != nil {
		return domain.LocationRef{}, err
	}
	return domain.LocationRef{Name: p.LocationName, Lat: p.Latitude, Lon: p.Longitude}, nil
}

func openMeteoReading(payload []byte) (domain.Reading, error) {
	p, err := parseOpenMeteo(payload)
	if err != nil {
		return domain.Reading{}, err
	}
	if p.Current == nil {
		return domain.Reading{}, &domain.NormalizationError{
			Provider: ProviderOpenMeteo, Reason: "missing current block",
		}
	}

	ts, err := parseObservationTime(p.Current.Time)
	if err != nil {
		return domain.Reading{}, &domain.NormalizationError{
			Provider: ProviderOpenMeteo, Reason: "missing or malformed observation time", Err: err,
		}
	}

	// "rain" excludes showers and snow; "precipitation" is the total. Prefer
	// the total, fall back to rain when only that was requested.
	precip := p.Current.Precipitation
	if precip == nil {
		precip = p.Current.Rain
	}

	return domain.Reading{
		Timestamp:     ts,
		Temperature:   p.Current.Temperature,
		Humidity:      p.Current.Humidity,
		Precipitation: precip,
		WindSpeed:     p.Current.WindSpeed,
		WindDirection: p.Current.WindDirection,
		Pressure:      p.Current.PressureMSL,
		CloudCover:    p.Current.CloudCover,
		UVIndex:       p.Current.UVIndex,
		Condition:     wmoCondition(p.Current.WeatherCode),
	}, nil
}

func openMeteoForecast(payload []byte, generatedAt time.Time) ([]domain.ForecastPoint, error) {
	p, err := parseOpenMeteo(payload)
	if err != nil {
		return nil, err
	}
	if p.Daily == nil || len(p.Daily.Time) == 0 {
		return nil, &domain.NormalizationError{
			Provider: ProviderOpenMeteo, Reason: "missing daily block",
		}
	}

	points := make([]domain.ForecastPoint, 0, len(p.Daily.Time))
	for i, day := range p.Daily.Time {
		target, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, &domain.NormalizationError{
				Provider: ProviderOpenMeteo,
				Reason:   fmt.Sprintf("malformed daily date %q", day),
				Err:      err,
			}
		}
		points = append(points, domain.ForecastPoint{
			Source:        ProviderOpenMeteo,
			TargetDate:    target,
			GeneratedAt:   generatedAt,
			TempMax:       at(p.Daily.TempMax, i),
			TempMin:       at(p.Daily.TempMin, i),
			PrecipSum:     at(p.Daily.PrecipSum, i),
			PrecipProb:    at(p.Daily.PrecipProbMax, i),
			WindSpeed:     at(p.Daily.WindSpeedMax, i),
			WindDirection: at(p.Daily.WindDirDom, i),
			Condition:     wmoCondition(atInt(p.Daily.WeatherCode, i)),
		})
	}
	return points, nil
}

// at guards against the daily arrays being shorter than the time array,
// which open-meteo produces when a variable was not requested.
func at(vs []*float64, i int) *float64 {
	if i < len(vs) {
		return vs[i]
	}
	return nil
}

func atInt(vs []*int, i int) *int {
	if i < len(vs) {
		return vs[i]
	}
	return nil
}
