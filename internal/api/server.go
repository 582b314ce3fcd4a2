package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/config"
	"github.com/hpema/axpert/internal/domain"
	"github.com/hpema/axpert/internal/history"
	"github.com/hpema/axpert/internal/scheduler"
)

const maxRequestBody = 1 << 10

// Limits of the history endpoints.
const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
	defaultDaysLimit     = 31
	maxDaysLimit         = 366
	defaultReadingsSpan  = 24 * time.Hour
)

// HistorySource serves stored samples and daily totals.
type HistorySource interface {
	Readings(ctx context.Context, since time.Time, limit int) ([]history.StoredReading, error)
	Days(ctx context.Context, limit int) ([]history.StoredDay, error)
}

// Server represents the HTTP API server that exposes the daemon state and
// accepts override commands.
type Server struct {
	config    *config.Config
	server    *http.Server
	listener  net.Listener
	router    *mux.Router
	source    domain.SnapshotSource
	tracker   *CommandTracker
	history   HistorySource
	gatherer  prometheus.Gatherer
	version   string
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server. A nil gatherer leaves /metrics unrouted.
func NewServer(cfg *config.Config, source domain.SnapshotSource, tracker *CommandTracker, gatherer prometheus.Gatherer, version string) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		source:    source,
		tracker:   tracker,
		gatherer:  gatherer,
		version:   version,
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// SetHistory enables the history endpoints. It must be called before Start.
func (s *Server) SetHistory(source HistorySource) {
	s.history = source
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/telemetry", s.handleTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/energy", s.handleEnergy).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.handleSubmitCommand).Methods(http.MethodPost)
	api.HandleFunc("/commands/{id}", s.handleGetCommand).Methods(http.MethodGet)
	api.HandleFunc("/history/readings", s.handleHistoryReadings).Methods(http.MethodGet)
	api.HandleFunc("/history/days", s.handleHistoryDays).Methods(http.MethodGet)

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("address", listener.Addr().String()).
			Msg("Starting HTTP API server")

		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns daemon status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()

	started := snap.StartTime
	if started.IsZero() {
		started = s.startTime
	}

	s.writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"version":     s.version,
		"uptime":      time.Since(started).Round(time.Second).String(),
		"counter":     snap.Counter,
		"ticks":       snap.Ticks,
		"failures":    snap.Failures,
		"lastCommand": snap.LastCommand,
	}, http.StatusOK)
}

// handleTelemetry returns the last decoded mode, rating and status.
func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()

	body := map[string]interface{}{
		"mode":   nil,
		"rating": snap.Rating,
		"status": snap.Status,
	}
	if snap.Mode != nil {
		body["mode"] = snap.Mode.Mode
	}
	if snap.Status != nil {
		body["statusTime"] = snap.StatusTime
	}

	s.writeJSON(w, body, http.StatusOK)
}

// handleEnergy returns both hourly energy aggregates of the current day.
func (s *Server) handleEnergy(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()

	s.writeJSON(w, map[string]interface{}{
		"day":  snap.Day,
		"pvw":  snap.PVEnergy,
		"outw": snap.OutputEnergy,
	}, http.StatusOK)
}

type commandRequest struct {
	Command string `json:"command"`
}

// handleSubmitCommand queues an override command.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tracked, err := s.tracker.Submit(req.Command, scheduler.SourceAPI)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, map[string]string{
		"id":     tracked.ID,
		"status": tracked.Status,
	}, http.StatusAccepted)
}

// handleGetCommand returns a tracked command and its reply.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tracked, found := s.tracker.Get(id)
	if !found {
		s.writeError(w, "Command not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, tracked, http.StatusOK)
}

// handleHistoryReadings returns stored samples, newest first. The optional
// since parameter is RFC 3339 and defaults to the last 24 hours.
func (s *Server) handleHistoryReadings(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, "History is disabled", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	since := time.Now().UTC().Add(-defaultReadingsSpan)
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	limit, err := parseLimit(query.Get("limit"), defaultReadingsLimit, maxReadingsLimit)
	if err != nil {
		s.writeError(w, "Invalid limit parameter", http.StatusBadRequest)
		return
	}

	readings, err := s.history.Readings(r.Context(), since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query stored readings")
		s.writeError(w, "Failed to query history", http.StatusInternalServerError)
		return
	}
	if readings == nil {
		readings = []history.StoredReading{}
	}

	s.writeJSON(w, readings, http.StatusOK)
}

// handleHistoryDays returns daily energy totals, newest first.
func (s *Server) handleHistoryDays(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, "History is disabled", http.StatusNotFound)
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultDaysLimit, maxDaysLimit)
	if err != nil {
		s.writeError(w, "Invalid limit parameter", http.StatusBadRequest)
		return
	}

	days, err := s.history.Days(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query daily totals")
		s.writeError(w, "Failed to query history", http.StatusInternalServerError)
		return
	}
	if days == nil {
		days = []history.StoredDay{}
	}

	s.writeJSON(w, days, http.StatusOK)
}

// parseLimit reads a positive limit, capped at ceiling.
func parseLimit(raw string, def, ceiling int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit, nil
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
