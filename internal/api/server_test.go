package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricsd/metricsd/internal/config"
	"github.com/metricsd/metricsd/internal/metrics"
	"github.com/metricsd/metricsd/internal/storage"
)

// storeStub serves a minimal in-memory table behind the store wire
// conventions so the server under test talks to a real HTTP boundary.
func storeStub(t *testing.T) *httptest.Server {
	t.Helper()

	items := map[string]storage.Item{
		"existing-id": {ID: "existing-id", Name: "widget", Value: 1.5, Category: "tools"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		idFilter := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")

		switch r.Method {
		case http.MethodGet:
			var rows []storage.Item
			for _, item := range items {
				if idFilter == "" || item.ID == idFilter {
					rows = append(rows, item)
				}
			}
			if rows == nil {
				rows = []storage.Item{}
			}
			json.NewEncoder(w).Encode(rows)
		case http.MethodPost:
			var item storage.Item
			json.NewDecoder(r.Body).Decode(&item)
			item.ID = "new-id"
			items[item.ID] = item
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode([]storage.Item{item})
		case http.MethodPatch:
			item, ok := items[idFilter]
			if !ok {
				json.NewEncoder(w).Encode([]storage.Item{})
				return
			}
			var update map[string]interface{}
			json.NewDecoder(r.Body).Decode(&update)
			if name, ok := update["name"].(string); ok {
				item.Name = name
			}
			if value, ok := update["value"].(float64); ok {
				item.Value = value
			}
			items[idFilter] = item
			json.NewEncoder(w).Encode([]storage.Item{item})
		case http.MethodDelete:
			item, ok := items[idFilter]
			if !ok {
				json.NewEncoder(w).Encode([]storage.Item{})
				return
			}
			delete(items, idFilter)
			json.NewEncoder(w).Encode([]storage.Item{item})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestServer(t *testing.T, storeURL string) *Server {
	t.Helper()

	cfg := config.NewDefault()
	cfg.Storage.BaseURL = storeURL
	cfg.Storage.APIKey = "test-key"

	registry := metrics.NewRegistry()
	tracker, err := metrics.NewRequestTracker(registry, metrics.TrackerConfig{})
	require.NoError(t, err)
	sampler, err := metrics.NewSystemSampler(registry, metrics.SamplerConfig{Interval: time.Second})
	require.NoError(t, err)
	store, err := storage.NewClient(storage.ClientConfig{
		BaseURL: cfg.Storage.BaseURL,
		APIKey:  cfg.Storage.APIKey,
	})
	require.NoError(t, err)

	return NewServer(cfg, registry, tracker, sampler, store, nil)
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRootEndpoint(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "metricsd", body["service"])
}

func TestAPIInfoEndpoint(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/api/v1/data", body["data"])
	assert.Equal(t, "/api/v1/stats", body["stats"])
	assert.Equal(t, serviceVersion, body["version"])
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	// A tracked request first so the exposition has HTTP series.
	doRequest(t, server, http.MethodGet, "/health", "")
	doRequest(t, server, http.MethodGet, "/metrics/summary", "")

	rec := doRequest(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	output := rec.Body.String()
	assert.Contains(t, output, "# TYPE http_requests_total counter")
	assert.Contains(t, output, `http_requests_total{method="GET",endpoint="/health",status_code="200"} 1`)
	// Scraping must not instrument itself, and neither may the summary.
	assert.NotContains(t, output, `endpoint="/metrics"`)
	assert.NotContains(t, output, `endpoint="/metrics/summary"`)
}

func TestCustomMetricsPathIsNotInstrumented(t *testing.T) {
	stub := storeStub(t)

	cfg := config.NewDefault()
	cfg.Storage.BaseURL = stub.URL
	cfg.Storage.APIKey = "test-key"
	cfg.Metrics.Path = "/internal/metrics"

	registry := metrics.NewRegistry()
	tracker, err := metrics.NewRequestTracker(registry, metrics.TrackerConfig{})
	require.NoError(t, err)
	sampler, err := metrics.NewSystemSampler(registry, metrics.SamplerConfig{Interval: time.Second})
	require.NoError(t, err)
	store, err := storage.NewClient(storage.ClientConfig{
		BaseURL: cfg.Storage.BaseURL,
		APIKey:  cfg.Storage.APIKey,
	})
	require.NoError(t, err)

	server := NewServer(cfg, registry, tracker, sampler, store, nil)

	doRequest(t, server, http.MethodGet, "/health", "")

	rec := doRequest(t, server, http.MethodGet, "/internal/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	output := rec.Body.String()
	assert.Contains(t, output, `endpoint="/health"`)
	assert.NotContains(t, output, `endpoint="/internal/metrics"`)
}

func TestMetricsSummaryEndpoint(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodGet, "/metrics/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "instruments")
	assert.Equal(t, "/metrics", body["metrics_path"])
	assert.Contains(t, body, "sample_interval_seconds")
	assert.Contains(t, body, "active_requests")
	assert.Contains(t, body, "process")
	assert.Contains(t, body, "system")
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/detailed", "/health/database"} {
		rec := doRequest(t, server, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestHealthEndpointsWithUnreachableStore(t *testing.T) {
	stub := storeStub(t)
	server := newTestServer(t, stub.URL)
	stub.Close()

	// Liveness stays green, readiness and database go red.
	rec := doRequest(t, server, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/health/database", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/health/detailed", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateItem(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/data", `{"name":"gadget","value":2.5}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var item storage.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "new-id", item.ID)
	assert.Equal(t, "gadget", item.Name)
}

func TestCreateItemValidation(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing name", `{"value":1}`},
		{"missing value", `{"name":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, server, http.MethodPost, "/api/v1/data", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListItems(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/data", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []storage.Item `json:"items"`
		Total int            `json:"total"`
		Limit int            `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 1)
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, defaultListLimit, body.Limit)
}

func TestListItemsRejectsBadPagination(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/data?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/api/v1/data?limit=10000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, http.MethodGet, "/api/v1/data?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetItem(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/data/existing-id", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var item storage.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "widget", item.Name)

	rec = doRequest(t, server, http.MethodGet, "/api/v1/data/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateItem(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodPut, "/api/v1/data/existing-id", `{"value":7.5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var item storage.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, 7.5, item.Value)
	assert.Equal(t, "widget", item.Name)

	rec = doRequest(t, server, http.MethodPut, "/api/v1/data/existing-id", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty update must be rejected")

	rec = doRequest(t, server, http.MethodPut, "/api/v1/data/no-such-id", `{"value":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteItem(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodDelete, "/api/v1/data/existing-id", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, server, http.MethodDelete, "/api/v1/data/existing-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats storage.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalItems)
	assert.Equal(t, 1, stats.Categories["tools"])
}

func TestStorageFailureMovesExceptionCounter(t *testing.T) {
	stub := storeStub(t)
	server := newTestServer(t, stub.URL)
	stub.Close()

	rec := doRequest(t, server, http.MethodGet, "/api/v1/data", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	metricsRec := doRequest(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(),
		`http_requests_exceptions_total{method="GET",endpoint="/api/v1/data",exception_kind="storage"} 1`)
}

func TestItemEndpointsAreGroupedInMetrics(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	doRequest(t, server, http.MethodGet, "/api/v1/data/550e8400-e29b-41d4-a716-446655440000", "")
	doRequest(t, server, http.MethodGet, "/api/v1/data/650e8400-e29b-41d4-a716-446655440001", "")

	rec := doRequest(t, server, http.MethodGet, "/metrics", "")
	output := rec.Body.String()
	assert.Contains(t, output, `endpoint="/api/v1/data/{id}"`)
	assert.NotContains(t, output, "550e8400")
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)

	rec := doRequest(t, server, http.MethodOptions, "/api/v1/data", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestShutdown(t *testing.T) {
	server := newTestServer(t, storeStub(t).URL)
	server.StartBackground()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
}
