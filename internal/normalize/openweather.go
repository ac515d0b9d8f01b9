package normalize

import (
	"encoding/json"
	"time"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
)

// openWeatherPayload is the OpenWeatherMap current-weather response.
type openWeatherPayload struct {
	Coord *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
	Name string `json:"name"`
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
	Wind *struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
	} `json:"wind"`
	Clouds *struct {
		All *float64 `json:"all"`
	} `json:"clouds"`
	Rain *struct {
		OneHour *float64 `json:"1h"`
	} `json:"rain"`
	Weather []struct {
		ID int `json:"id"`
	} `json:"weather"`
	Dt int64 `json:"dt"` // observation time, unix UTC
}

func parseOpenWeather(payload []byte) (openWeatherPayload, error) {
	var p openWeatherPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return openWeatherPayload{}, &domain.NormalizationError{
			Provider: ProviderOpenWeather, Reason: "malformed payload", Err: err,
		}
	}
	return p, nil
}

func openWeatherRef(payload []byte) (domain.LocationRef, error) {
	p, err := parseOpenWeather(payload)
	if err != nil {
		return domain.LocationRef{}, err
	}
	ref := domain.LocationRef{Name: p.Name}
	if p.Coord != nil {
		ref.Lat = p.Coord.Lat
		ref.Lon = p.Coord.Lon
	}
	return ref, nil
}

func openWeatherReading(payload []byte) (domain.Reading, error) {
	p, err := parseOpenWeather(payload)
	if err != nil {
		return domain.Reading{}, err
	}
	if p.Dt == 0 {
		return domain.Reading{}, &domain.NormalizationError{
			Provider: ProviderOpenWeather, Reason: "missing observation time",
		}
	}

	r := domain.Reading{
		Timestamp: time.Unix(p.Dt, 0).UTC(),
		Condition: domain.ConditionUnknown,
	}
	if p.Main != nil {
		r.Temperature = p.Main.Temp
		r.Humidity = p.Main.Humidity
		r.Pressure = p.Main.Pressure
	}
	if p.Wind != nil {
		r.WindSpeed = p.Wind.Speed
		r.WindDirection = p.Wind.Deg
	}
	if p.Clouds != nil {
		r.CloudCover = p.Clouds.All
	}
	if p.Rain != nil {
		r.Precipitation = p.Rain.OneHour
	}
	if len(p.Weather) > 0 {
		r.Condition = owmCondition(p.Weather[0].ID)
	}
	return r, nil
}
