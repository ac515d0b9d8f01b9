// Package http exposes the pipeline over HTTP: ingestion endpoints for raw
// provider payloads, an active-alert listing, and the health, readiness and
// metrics routes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/weather-alert-pipeline/internal/domain"
	"github.com/couchcryptid/weather-alert-pipeline/internal/ingest"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Ingestor handles raw provider payloads. Implemented by ingest.Coordinator.
type Ingestor interface {
	ReadinessChecker
	IngestBatch(ctx context.Context, provider string, payloads [][]byte) (ingest.BatchResult, error)
	IngestForecast(ctx context.Context, provider string, payload []byte) (applied, superseded int, err error)
}

// AlertLister reads active alerts. Implemented by the storage layer.
type AlertLister interface {
	ActiveAlerts(ctx context.Context, locationID int64, now time.Time) ([]domain.Alert, error)
}

// Server exposes the pipeline HTTP API.
type Server struct {
	httpServer *http.Server
	ingestor   Ingestor
	alerts     AlertLister
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(addr string, ingestor Ingestor, alerts AlertLister, clock clockwork.Clock, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ingestor: ingestor,
		alerts:   alerts,
		clock:    clock,
		logger:   logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/ingest/{provider}", s.handleIngest)
	mux.HandleFunc("POST /v1/forecasts/{provider}", s.handleForecast)
	mux.HandleFunc("GET /v1/alerts/active", s.handleActiveAlerts)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.ingestor.CheckReadiness(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIngest accepts either a JSON array of raw provider records or a
// single record.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	payloads, err := readPayloads(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := s.ingestor.IngestBatch(r.Context(), provider, payloads)
	if err != nil {
		s.logger.Error("ingest request failed", "provider", provider, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}

	skipped := make([]map[string]any, 0, len(result.Skipped))
	for _, sk := range result.Skipped {
		skipped = append(skipped, map[string]any{"index": sk.Index, "reason": sk.Reason})
	}
	status := http.StatusOK
	if result.Stored == 0 && len(result.Skipped) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"batch_id": result.BatchID,
		"provider": result.Provider,
		"stored":   result.Stored,
		"skipped":  skipped,
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	applied, superseded, err := s.ingestor.IngestForecast(r.Context(), provider, payload)
	switch {
	case domain.IsNormalization(err), errors.Is(err, domain.ErrLocationNotFound):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("forecast request failed", "provider", provider, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"applied":    applied,
		"superseded": superseded,
	})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	var locationID int64
	if raw := r.URL.Query().Get("location_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid location_id"})
			return
		}
		locationID = parsed
	}

	alerts, err := s.alerts.ActiveAlerts(r.Context(), locationID, s.clock.Now())
	if err != nil {
		s.logger.Error("list active alerts failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage unavailable"})
		return
	}

	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, newAlertResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

const maxBodyBytes = 1 << 20

type alertResponse struct {
	ID         int64      `json:"id"`
	LocationID int64      `json:"location_id"`
	AlertType  string     `json:"alert_type"`
	Severity   string     `json:"severity"`
	Label      string     `json:"label"`
	Threshold  float64    `json:"threshold"`
	Observed   float64    `json:"observed"`
	OpenedAt   time.Time  `json:"opened_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func newAlertResponse(a domain.Alert) alertResponse {
	return alertResponse{
		ID:         a.ID,
		LocationID: a.LocationID,
		AlertType:  string(a.Type),
		Severity:   a.Severity.String(),
		Label:      a.Severity.Label(),
		Threshold:  a.Threshold,
		Observed:   a.Observed,
		OpenedAt:   a.OpenedAt,
		UpdatedAt:  a.UpdatedAt,
		ExpiresAt:  a.ExpiresAt,
	}
}

// readPayloads splits a request body into individual records: a top-level
// array becomes one payload per element, anything else is a single payload.
func readPayloads(body io.Reader) ([][]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, errors.New("read body: " + err.Error())
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err == nil {
		payloads := make([][]byte, len(records))
		for i, rec := range records {
			payloads[i] = rec
		}
		return payloads, nil
	}

	if !json.Valid(data) {
		return nil, errors.New("body is not valid JSON")
	}
	return [][]byte{data}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
