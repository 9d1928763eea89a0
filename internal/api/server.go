// Package api provides the HTTP surface: item CRUD, health probes, and
// the metrics exposition endpoints.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/common/expfmt"

	"github.com/metricsd/metricsd/internal/config"
	"github.com/metricsd/metricsd/internal/metrics"
	"github.com/metricsd/metricsd/internal/middleware"
	"github.com/metricsd/metricsd/internal/storage"
	"github.com/metricsd/metricsd/pkg/errors"
	"github.com/metricsd/metricsd/pkg/utils"
)

const (
	serviceName    = "metricsd"
	serviceVersion = "1.0.0"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Server wires the HTTP routes to the registry, tracker, sampler, and
// table store.
type Server struct {
	httpServer *http.Server
	registry   *metrics.Registry
	tracker    *metrics.RequestTracker
	sampler    *metrics.SystemSampler
	store      *storage.Client
	logger     *utils.StructuredLogger
	config     *config.Configuration
	startTime  time.Time
}

// NewServer builds the route table and returns a server ready to start.
func NewServer(cfg *config.Configuration, registry *metrics.Registry, tracker *metrics.RequestTracker, sampler *metrics.SystemSampler, store *storage.Client, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewStructuredLogger(nil)
	}

	s := &Server{
		registry:  registry,
		tracker:   tracker,
		sampler:   sampler,
		store:     store,
		logger:    logger.WithComponent("api"),
		config:    cfg,
		startTime: time.Now(),
	}

	router := mux.NewRouter()

	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	// Exposition endpoints
	router.HandleFunc(cfg.Metrics.Path, s.handleMetrics).Methods(http.MethodGet)
	router.HandleFunc(cfg.Metrics.Path+"/summary", s.handleMetricsSummary).Methods(http.MethodGet)

	// Health endpoints
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/detailed", s.handleHealthDetailed).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/health/database", s.handleHealthDatabase).Methods(http.MethodGet)

	// Data CRUD endpoints
	apiV1 := router.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/", s.handleAPIInfo).Methods(http.MethodGet)
	apiV1.HandleFunc("/data", s.handleCreateItem).Methods(http.MethodPost)
	apiV1.HandleFunc("/data", s.handleListItems).Methods(http.MethodGet)
	apiV1.HandleFunc("/data/{id}", s.handleGetItem).Methods(http.MethodGet)
	apiV1.HandleFunc("/data/{id}", s.handleUpdateItem).Methods(http.MethodPut, http.MethodPatch)
	apiV1.HandleFunc("/data/{id}", s.handleDeleteItem).Methods(http.MethodDelete)
	apiV1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	// Scraping the exposition endpoint must never move the instruments it
	// reads, even when metrics.path is customized away from the defaults.
	excludePaths := cfg.Metrics.ExcludePaths
	pathExcluded := false
	for _, excluded := range excludePaths {
		if excluded == cfg.Metrics.Path {
			pathExcluded = true
			break
		}
	}
	if !pathExcluded {
		excludePaths = append([]string{cfg.Metrics.Path}, excludePaths...)
	}

	instrumentation := middleware.NewInstrumentation(tracker, middleware.InstrumentationConfig{
		ExcludePaths: excludePaths,
		GroupPaths:   cfg.Metrics.GroupPaths,
		Logger:       logger,
	})

	handler := instrumentation.Wrap(router)
	if cfg.Server.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Handler exposes the full middleware-wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", map[string]interface{}{
		"address": s.httpServer.Addr,
	})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server", nil)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"metrics": s.config.Metrics.Path,
			"summary": s.config.Metrics.Path + "/summary",
			"health":  "/health",
			"data":    "/api/v1/data",
		},
	})
}

func (s *Server) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "metricsd API",
		"version": serviceVersion,
		"data":    "/api/v1/data",
		"stats":   "/api/v1/stats",
		"metrics": s.config.Metrics.Path,
	})
}

// handleMetrics renders the full registry in the Prometheus text format.
// A render failure still answers the scrape, as a comment the scraper
// will ignore.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	output, err := s.registry.Render()
	if err != nil {
		s.logger.Error("metrics render failed", map[string]interface{}{
			"error": err.Error(),
		})
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "# Error generating metrics: %v\n", err)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, output)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	snapshot := s.sampler.Snapshot()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":               time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":          time.Since(s.startTime).Seconds(),
		"metrics_path":            s.config.Metrics.Path,
		"sample_interval_seconds": s.sampler.Interval().Seconds(),
		"instruments":             s.registry.InstrumentNames(),
		"active_requests":         s.tracker.ActiveCount(),
		"process":                 snapshot.Process,
		"system":                  snapshot.System,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"api": "healthy",
	}
	status := "healthy"
	statusCode := http.StatusOK

	if err := s.store.Health(r.Context()); err != nil {
		checks["database"] = "unhealthy"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "healthy"
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":         status,
		"service":        serviceName,
		"version":        serviceVersion,
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"checks":         checks,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"reason": "table store unreachable",
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
	})
}

func (s *Server) handleHealthDatabase(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.store.Health(r.Context()); err != nil {
		middleware.RecordFailure(r.Context(), err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"latency_ms": float64(time.Since(start).Microseconds()) / 1000.0,
	})
}

type createItemRequest struct {
	Name     string                 `json:"name"`
	Value    *float64               `json:"value"`
	Category string                 `json:"category"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Value == nil {
		s.respondError(w, http.StatusBadRequest, "value is required")
		return
	}

	item, err := s.store.Create(r.Context(), storage.Item{
		Name:     req.Name,
		Value:    *req.Value,
		Category: req.Category,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.storageError(w, r, "create item", err)
		return
	}

	s.respondJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if val := r.URL.Query().Get("limit"); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil || parsed <= 0 || parsed > maxListLimit {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
			return
		}
		limit = parsed
	}

	offset := 0
	if val := r.URL.Query().Get("offset"); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		offset = parsed
	}

	category := r.URL.Query().Get("category")

	items, total, err := s.store.List(r.Context(), limit, offset, category)
	if err != nil {
		s.storageError(w, r, "list items", err)
		return
	}
	if items == nil {
		items = []storage.Item{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	item, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storageError(w, r, "get item", err)
		return
	}
	if item == nil {
		s.respondError(w, http.StatusNotFound, "item not found")
		return
	}

	s.respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var update storage.ItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if update.Name == nil && update.Value == nil && update.Category == nil && update.Metadata == nil {
		s.respondError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	if update.Name != nil && *update.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name cannot be empty")
		return
	}

	item, err := s.store.Update(r.Context(), id, update)
	if err != nil {
		s.storageError(w, r, "update item", err)
		return
	}
	if item == nil {
		s.respondError(w, http.StatusNotFound, "item not found")
		return
	}

	s.respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		s.storageError(w, r, "delete item", err)
		return
	}
	if !deleted {
		s.respondError(w, http.StatusNotFound, "item not found")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"id":      id,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.storageError(w, r, "get stats", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// storageError reports a store failure to the client and marks the
// request as failed so the exception counter moves.
func (s *Server) storageError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	middleware.RecordFailure(r.Context(), err)
	s.logger.Error("storage operation failed", map[string]interface{}{
		"operation": operation,
		"error":     err.Error(),
	})

	statusCode := http.StatusInternalServerError
	var appErr *errors.Error
	if stderrors.As(err, &appErr) && appErr.HTTPStatus > 0 {
		statusCode = appErr.HTTPStatus
	}
	s.respondError(w, statusCode, operation+" failed")
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding JSON response failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
