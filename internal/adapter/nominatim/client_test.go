package nominatim

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/observability"
)

const (
	testUserAgent     = "weather-alert-pipeline-test/1.0"
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}

func testClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		userAgent:  testUserAgent,
		metrics:    testMetrics(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestClient_Geocode_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bogotá", r.URL.Query().Get("q"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, testUserAgent, r.Header.Get("User-Agent"))

		resp := []place{{
			Lat:         "4.6097102",
			Lon:         "-74.081749",
			Name:        "Bogotá",
			DisplayName: "Bogotá, Colombia",
			Address:     address{Country: "Colombia", State: "Bogotá Distrito Capital", City: "Bogotá"},
		}}
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	result, err := c.Geocode(context.Background(), "Bogotá")
	require.NoError(t, err)

	assert.Equal(t, 4.6097102, result.Lat)
	assert.Equal(t, -74.081749, result.Lon)
	assert.Equal(t, "Bogotá", result.Name)
	assert.Equal(t, "Bogotá, Colombia", result.DisplayName)
	assert.Equal(t, "Colombia", result.Country)
}

func TestClient_Geocode_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode([]place{}))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Geocode(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, domain.ErrGeocodeNotFound)
}

func TestClient_ReverseGeocode_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		assert.Equal(t, "4.609710", r.URL.Query().Get("lat"))
		assert.Equal(t, "-74.081749", r.URL.Query().Get("lon"))

		resp := place{
			Lat:         "4.6097102",
			Lon:         "-74.081749",
			DisplayName: "Chapinero, Bogotá, Colombia",
			Address:     address{Country: "Colombia", Town: "Chapinero"},
		}
		w.Header().Set(headerContentType, contentTypeJSON)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	result, err := c.ReverseGeocode(context.Background(), 4.60971, -74.081749)
	require.NoError(t, err)

	assert.Equal(t, "Chapinero", result.City, "town fills in for a missing city")
	assert.Equal(t, "Chapinero", result.Name)
	assert.Equal(t, "Colombia", result.Country)
}

func TestClient_ReverseGeocode_UnableToGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"error":"Unable to geocode"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.ReverseGeocode(context.Background(), 0, 0)
	assert.ErrorIs(t, err, domain.ErrGeocodeNotFound)
}

func TestClient_Geocode_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Geocode(context.Background(), "Bogotá")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestClient_Geocode_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{
		httpClient: &http.Client{Timeout: 50 * time.Millisecond},
		baseURL:    srv.URL,
		userAgent:  testUserAgent,
		metrics:    testMetrics(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	_, err := c.Geocode(context.Background(), "Bogotá")
	require.Error(t, err)
}

func TestClient_Geocode_MalformedCoordinates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`[{"lat":"not-a-number","lon":"0"}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Geocode(context.Background(), "Bogotá")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse lat")
}
