package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Table:   "items",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return client, server
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(ClientConfig{APIKey: "key"})
	assert.Error(t, err, "missing base URL must be rejected")

	_, err = NewClient(ClientConfig{BaseURL: "http://localhost"})
	assert.Error(t, err, "missing API key must be rejected")
}

func TestCreateReturnsStoredRow(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/items", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var item Item
		require.NoError(t, json.NewDecoder(r.Body).Decode(&item))
		item.ID = "generated-id"
		item.CreatedAt = "2026-01-01T00:00:00Z"

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]Item{item})
	})

	item, err := client.Create(context.Background(), Item{Name: "widget", Value: 4.2})
	require.NoError(t, err)
	assert.Equal(t, "generated-id", item.ID)
	assert.Equal(t, "widget", item.Name)
	assert.Equal(t, 4.2, item.Value)
}

func TestListParsesContentRangeTotal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "count=exact", r.Header.Get("Prefer"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		assert.Equal(t, "eq.tools", r.URL.Query().Get("category"))

		w.Header().Set("Content-Range", "20-21/57")
		json.NewEncoder(w).Encode([]Item{
			{ID: "a", Name: "one"},
			{ID: "b", Name: "two"},
		})
	})

	items, total, err := client.List(context.Background(), 10, 20, "tools")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 57, total)
}

func TestListFallsBackToPageLength(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Item{{ID: "a"}})
	})

	items, total, err := client.List(context.Background(), 10, 0, "")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, total)
}

func TestGetReturnsNilForAbsentRow(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.missing", r.URL.Query().Get("id"))
		json.NewEncoder(w).Encode([]Item{})
	})

	item, err := client.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestUpdateSendsOnlyChangedFields(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, map[string]interface{}{"value": 9.5}, payload)

		json.NewEncoder(w).Encode([]Item{{ID: "x", Name: "kept", Value: 9.5}})
	})

	value := 9.5
	item, err := client.Update(context.Background(), "x", ItemUpdate{Value: &value})
	require.NoError(t, err)
	assert.Equal(t, 9.5, item.Value)
	assert.Equal(t, "kept", item.Name)
}

func TestUpdateReturnsNilForAbsentRow(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Item{})
	})

	name := "renamed"
	item, err := client.Update(context.Background(), "missing", ItemUpdate{Name: &name})
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestDeleteReportsWhetherRowExisted(t *testing.T) {
	deleted := true
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if deleted {
			json.NewEncoder(w).Encode([]Item{{ID: "x"}})
		} else {
			json.NewEncoder(w).Encode([]Item{})
		}
	})

	ok, err := client.Delete(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)

	deleted = false
	ok, err = client.Delete(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsAggregatesCategories(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "category", r.URL.Query().Get("select"))
		json.NewEncoder(w).Encode([]map[string]string{
			{"category": "tools"},
			{"category": "tools"},
			{"category": "parts"},
			{"category": ""},
		})
	})

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalItems)
	assert.Equal(t, 2, stats.Categories["tools"])
	assert.Equal(t, 1, stats.Categories["parts"])
	assert.Equal(t, 1, stats.Categories["uncategorized"])
}

func TestStoreErrorsSurfaceStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"bad key"}`))
	})

	_, err := client.Get(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHealthWrapsUnreachableStore(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Item{})
	})

	require.NoError(t, client.Health(context.Background()))

	server.Close()
	assert.Error(t, client.Health(context.Background()))
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		value string
		want  int
		ok    bool
	}{
		{"0-9/57", 57, true},
		{"*/0", 0, true},
		{"0-9/*", 0, false},
		{"garbage", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := parseContentRangeTotal(tt.value)
		assert.Equal(t, tt.ok, ok, tt.value)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.value)
		}
	}
}
