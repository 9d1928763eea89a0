// Package middleware provides HTTP middleware that instruments every
// request with the metrics tracker.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/metricsd/metricsd/internal/metrics"
	"github.com/metricsd/metricsd/pkg/errors"
	"github.com/metricsd/metricsd/pkg/utils"
)

// DefaultExcludePaths are request paths that are never instrumented.
// Scraping the exposition endpoint must not move the instruments it reads.
var DefaultExcludePaths = []string{
	"/metrics",
	"/docs",
	"/redoc",
	"/openapi.json",
	"/favicon.ico",
}

// InstrumentationConfig configures the metrics middleware.
type InstrumentationConfig struct {
	// ExcludePaths lists paths skipped entirely. Each entry matches its
	// own path and every path nested under it, so "/metrics" also covers
	// "/metrics/summary" but not "/metricsfoo".
	ExcludePaths []string

	// GroupPaths replaces identifier path segments with placeholders
	// before using the path as an endpoint label.
	GroupPaths bool

	// Logger for middleware events.
	Logger *utils.StructuredLogger
}

// Instrumentation wraps handlers so every non-excluded request is recorded
// in the tracker exactly once, including requests whose handlers panic.
type Instrumentation struct {
	tracker      *metrics.RequestTracker
	excludePaths []string
	groupPaths   bool
	logger       *utils.StructuredLogger
}

// NewInstrumentation builds the middleware around an existing tracker.
func NewInstrumentation(tracker *metrics.RequestTracker, config InstrumentationConfig) *Instrumentation {
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}
	if config.ExcludePaths == nil {
		config.ExcludePaths = DefaultExcludePaths
	}
	return &Instrumentation{
		tracker:      tracker,
		excludePaths: config.ExcludePaths,
		groupPaths:   config.GroupPaths,
		logger:       config.Logger.WithComponent("middleware"),
	}
}

type contextKey string

const failureKey contextKey = "request-failure"

type failureCarrier struct {
	kind string
}

// RecordFailure marks the current request as failed so the exception
// counter is incremented when the request completes. The error is mapped
// to a closed set of kind labels to keep cardinality bounded.
func RecordFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if carrier, ok := ctx.Value(failureKey).(*failureCarrier); ok {
		carrier.kind = errors.Kind(err)
	}
}

// Wrap returns a handler that instruments requests before delegating to next.
func (m *Instrumentation) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := r.URL.Path
		if m.groupPaths {
			endpoint = metrics.NormalizePath(endpoint)
		}

		requestSize := r.ContentLength
		id := m.tracker.Start(r.Method, endpoint, requestSize)

		carrier := &failureCarrier{}
		r = r.WithContext(context.WithValue(r.Context(), failureKey, carrier))

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		done := false
		finish := func(status int, responseSize int64, kind string) {
			if done {
				return
			}
			done = true
			m.tracker.End(id, r.Method, endpoint, status, responseSize, kind)
		}

		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("handler panicked", map[string]interface{}{
					"method":   r.Method,
					"endpoint": endpoint,
				})
				// No meaningful response size exists for an aborted request.
				finish(http.StatusInternalServerError, -1, "panic")
				panic(rec)
			}
			finish(recorder.status, recorder.written, carrier.kind)
		}()

		next.ServeHTTP(recorder, r)
	})
}

func (m *Instrumentation) excluded(path string) bool {
	for _, excluded := range m.excludePaths {
		trimmed := strings.TrimSuffix(excluded, "/")
		if path == trimmed || strings.HasPrefix(path, trimmed+"/") {
			return true
		}
	}
	return false
}

// statusRecorder captures the response status and body size for the
// tracker. The status defaults to 200 because handlers that never call
// WriteHeader still respond 200.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}
