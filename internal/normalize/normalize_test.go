package normalize

import (
	"testing"
	"time"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openMeteoCurrent = `{
	"latitude": 4.71,
	"longitude": -74.07,
	"location_name": "Bogotá",
	"current": {
		"time": "2026-03-14T12:00",
		"temperature_2m": 18.4,
		"relative_humidity_2m": 72,
		"precipitation": 0.0,
		"weather_code": 61,
		"cloud_cover": 90,
		"pressure_msl": 1013.2,
		"wind_speed_10m": 3.1,
		"wind_direction_10m": 210
	}
}`

func TestReading_OpenMeteo(t *testing.T) {
	t.Run("full current block", func(t *testing.T) {
		r, err := Reading(ProviderOpenMeteo, []byte(openMeteoCurrent))
		require.NoError(t, err)

		assert.Equal(t, ProviderOpenMeteo, r.Source)
		assert.Equal(t, priorityOpenMeteo, r.Priority)
		assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), r.Timestamp)
		assert.Equal(t, 18.4, *r.Temperature)
		assert.Equal(t, 72.0, *r.Humidity)
		assert.Equal(t, 0.0, *r.Precipitation, "reported zero precipitation is kept, not nil")
		assert.Equal(t, domain.ConditionRain, r.Condition)
		assert.Nil(t, r.UVIndex, "unreported field stays nil")
	})

	t.Run("rain fallback when precipitation absent", func(t *testing.T) {
		payload := []byte(`{"latitude":1,"longitude":2,"current":{"time":"2026-03-14T12:00","rain":1.5}}`)
		r, err := Reading(ProviderOpenMeteo, payload)
		require.NoError(t, err)
		assert.Equal(t, 1.5, *r.Precipitation)
	})

	t.Run("unknown weather code maps to unknown", func(t *testing.T) {
		payload := []byte(`{"latitude":1,"longitude":2,"current":{"time":"2026-03-14T12:00","weather_code":42}}`)
		r, err := Reading(ProviderOpenMeteo, payload)
		require.NoError(t, err)
		assert.Equal(t, domain.ConditionUnknown, r.Condition)
	})

	t.Run("missing current block", func(t *testing.T) {
		_, err := Reading(ProviderOpenMeteo, []byte(`{"latitude":1,"longitude":2}`))
		assert.True(t, domain.IsNormalization(err))
	})

	t.Run("missing observation time", func(t *testing.T) {
		_, err := Reading(ProviderOpenMeteo, []byte(`{"latitude":1,"longitude":2,"current":{"temperature_2m":20}}`))
		assert.True(t, domain.IsNormalization(err))
	})

	t.Run("malformed JSON", func(t *testing.T) {
		_, err := Reading(ProviderOpenMeteo, []byte(`{not json`))
		assert.True(t, domain.IsNormalization(err))
	})

	t.Run("out-of-range field rejected", func(t *testing.T) {
		payload := []byte(`{"latitude":1,"longitude":2,"current":{"time":"2026-03-14T12:00","relative_humidity_2m":140}}`)
		_, err := Reading(ProviderOpenMeteo, payload)
		assert.True(t, domain.IsNormalization(err))
	})
}

func TestReading_OpenWeather(t *testing.T) {
	payload := []byte(`{
		"coord": {"lat": 4.71, "lon": -74.07},
		"name": "Bogotá",
		"main": {"temp": 17.2, "humidity": 80, "pressure": 1014},
		"wind": {"speed": 4.2, "deg": 180},
		"clouds": {"all": 75},
		"rain": {"1h": 2.3},
		"weather": [{"id": 500}],
		"dt": 1773230400
	}`)

	r, err := Reading(ProviderOpenWeather, payload)
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenWeather, r.Source)
	assert.Equal(t, time.Unix(1773230400, 0).UTC(), r.Timestamp)
	assert.Equal(t, 17.2, *r.Temperature)
	assert.Equal(t, 2.3, *r.Precipitation)
	assert.Equal(t, domain.ConditionRain, r.Condition)

	t.Run("missing dt", func(t *testing.T) {
		_, err := Reading(ProviderOpenWeather, []byte(`{"coord":{"lat":1,"lon":2},"main":{"temp":20}}`))
		assert.True(t, domain.IsNormalization(err))
	})
}

func TestReading_WorldClim(t *testing.T) {
	payload := []byte(`{
		"latitude": 4.71, "longitude": -74.07, "location_name": "Bogotá",
		"month": "2026-03", "temperature_avg": 14.5, "precipitation_avg": 80.0,
		"humidity_avg": 76.0, "period": "1970-2000"
	}`)

	r, err := Reading(ProviderWorldClim, payload)
	require.NoError(t, err)

	assert.Equal(t, priorityWorldClim, r.Priority)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), r.Timestamp)
	assert.Equal(t, 14.5, *r.Temperature)
	assert.Nil(t, r.WindSpeed)
}

func TestReading_UnknownProvider(t *testing.T) {
	_, err := Reading("secret-weather-co", []byte(`{}`))
	assert.True(t, domain.IsNormalization(err))
}

func TestRef(t *testing.T) {
	t.Run("open-meteo carries coordinates and name", func(t *testing.T) {
		ref, err := Ref(ProviderOpenMeteo, []byte(openMeteoCurrent))
		require.NoError(t, err)
		assert.Equal(t, "Bogotá", ref.Name)
		assert.Equal(t, 4.71, *ref.Lat)
		assert.Equal(t, -74.07, *ref.Lon)
	})

	t.Run("empty reference rejected", func(t *testing.T) {
		_, err := Ref(ProviderOpenMeteo, []byte(`{"current":{"time":"2026-03-14T12:00"}}`))
		assert.True(t, domain.IsNormalization(err))
	})
}

func TestForecast_OpenMeteo(t *testing.T) {
	gen := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	payload := []byte(`{
		"latitude": 4.71, "longitude": -74.07,
		"daily": {
			"time": ["2026-03-15", "2026-03-16"],
			"temperature_2m_max": [21.0, 22.5],
			"temperature_2m_min": [9.5, 10.1],
			"precipitation_sum": [4.0, 0.0],
			"precipitation_probability_max": [80, 15],
			"wind_speed_10m_max": [6.5, 5.0],
			"wind_direction_10m_dominant": [200, 190],
			"weather_code": [63, 1]
		}
	}`)

	points, err := Forecast(ProviderOpenMeteo, payload, gen)
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), points[0].TargetDate)
	assert.Equal(t, gen, points[0].GeneratedAt)
	assert.Equal(t, 21.0, *points[0].TempMax)
	assert.Equal(t, domain.ConditionRain, points[0].Condition)
	assert.Equal(t, domain.ConditionPartlyCloudy, points[1].Condition)

	t.Run("short variable arrays yield nil fields", func(t *testing.T) {
		short := []byte(`{"latitude":1,"longitude":2,"daily":{"time":["2026-03-15"],"temperature_2m_max":[]}}`)
		points, err := Forecast(ProviderOpenMeteo, short, gen)
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Nil(t, points[0].TempMax)
	})

	t.Run("provider without forecasts", func(t *testing.T) {
		_, err := Forecast(ProviderOpenWeather, payload, gen)
		assert.True(t, domain.IsNormalization(err))
	})

	t.Run("out-of-range point fails like an invalid reading", func(t *testing.T) {
		bad := []byte(`{"latitude":1,"longitude":2,"daily":{
			"time":["2026-03-15"],"precipitation_probability_max":[140]
		}}`)
		_, err := Forecast(ProviderOpenMeteo, bad, gen)
		require.True(t, domain.IsNormalization(err))
		assert.Contains(t, err.Error(), "precipitation probability")
	})
}

func TestPriority(t *testing.T) {
	assert.Greater(t, Priority(ProviderOpenMeteo), Priority(ProviderOpenWeather))
	assert.Greater(t, Priority(ProviderOpenWeather), Priority(ProviderWorldClim))
	assert.Equal(t, 0, Priority("unknown"))
}
