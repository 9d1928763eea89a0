// Package storage implements the table-store client used by the CRUD API.
// The store speaks the PostgREST wire conventions: rows are addressed with
// column filters, mutations can return the affected representation, and
// exact row counts ride on the Content-Range response header.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/metricsd/metricsd/pkg/errors"
	"github.com/metricsd/metricsd/pkg/utils"
)

const defaultRequestTimeout = 10 * time.Second

// Item is a row in the items table.
type Item struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Value     float64                `json:"value"`
	Category  string                 `json:"category,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at,omitempty"`
	UpdatedAt string                 `json:"updated_at,omitempty"`
}

// ItemUpdate carries the mutable fields of an item. Nil fields are left
// untouched by Update.
type ItemUpdate struct {
	Name     *string                `json:"name,omitempty"`
	Value    *float64               `json:"value,omitempty"`
	Category *string                `json:"category,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Stats summarizes the items table.
type Stats struct {
	TotalItems int            `json:"total_items"`
	Categories map[string]int `json:"categories"`
}

// ClientConfig configures the table-store client.
type ClientConfig struct {
	// BaseURL is the root of the REST API, without a trailing slash.
	BaseURL string

	// APIKey authenticates every request.
	APIKey string

	// Table is the table holding items.
	Table string

	// Timeout bounds each request.
	Timeout time.Duration

	// Logger for client events.
	Logger *utils.StructuredLogger
}

// Client talks to the table store over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	table   string
	http    *http.Client
	logger  *utils.StructuredLogger
}

// NewClient validates the configuration and returns a ready client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "storage base URL is required").
			WithComponent("storage")
	}
	if config.APIKey == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "storage API key is required").
			WithComponent("storage")
	}
	if config.Table == "" {
		config.Table = "items"
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultRequestTimeout
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		table:   config.Table,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  config.Logger.WithComponent("storage"),
	}, nil
}

// Create inserts an item and returns the stored row, including the
// generated id and timestamps.
func (c *Client) Create(ctx context.Context, item Item) (*Item, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "encode item").WithCause(err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.tableURL(nil), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []Item
	if _, err := c.do(req, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New(errors.ErrCodeStorageRequest, "store returned no representation").
			WithOperation("create")
	}
	return &rows[0], nil
}

// List returns a page of items and the exact total row count. A non-empty
// category filters the page and the count.
func (c *Client) List(ctx context.Context, limit, offset int, category string) ([]Item, int, error) {
	query := url.Values{}
	query.Set("order", "created_at.desc")
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	if category != "" {
		query.Set("category", "eq."+category)
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.tableURL(query), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Prefer", "count=exact")

	var rows []Item
	resp, err := c.do(req, &rows)
	if err != nil {
		return nil, 0, err
	}

	total := len(rows)
	if parsed, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
		total = parsed
	}
	return rows, total, nil
}

// Get returns the item with the given id, or nil when no such row exists.
func (c *Client) Get(ctx context.Context, id string) (*Item, error) {
	query := url.Values{}
	query.Set("id", "eq."+id)

	req, err := c.newRequest(ctx, http.MethodGet, c.tableURL(query), nil)
	if err != nil {
		return nil, err
	}

	var rows []Item
	if _, err := c.do(req, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Update applies the non-nil fields of update to the item with the given
// id and returns the updated row, or nil when no such row exists.
func (c *Client) Update(ctx context.Context, id string, update ItemUpdate) (*Item, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "encode update").WithCause(err)
	}

	query := url.Values{}
	query.Set("id", "eq."+id)

	req, err := c.newRequest(ctx, http.MethodPatch, c.tableURL(query), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []Item
	if _, err := c.do(req, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Delete removes the item with the given id. It reports whether a row was
// actually deleted.
func (c *Client) Delete(ctx context.Context, id string) (bool, error) {
	query := url.Values{}
	query.Set("id", "eq."+id)

	req, err := c.newRequest(ctx, http.MethodDelete, c.tableURL(query), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []Item
	if _, err := c.do(req, &rows); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Health checks store reachability with a minimal single-row probe.
func (c *Client) Health(ctx context.Context) error {
	query := url.Values{}
	query.Set("limit", "1")
	query.Set("select", "id")

	req, err := c.newRequest(ctx, http.MethodGet, c.tableURL(query), nil)
	if err != nil {
		return err
	}

	var rows []Item
	if _, err := c.do(req, &rows); err != nil {
		return errors.New(errors.ErrCodeStorageUnavailable, "table store unreachable").
			WithOperation("health").
			WithCause(err)
	}
	return nil
}

// Stats returns the total item count and a per-category breakdown.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	query := url.Values{}
	query.Set("select", "category")

	req, err := c.newRequest(ctx, http.MethodGet, c.tableURL(query), nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Category string `json:"category"`
	}
	if _, err := c.do(req, &rows); err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalItems: len(rows),
		Categories: make(map[string]int),
	}
	for _, row := range rows {
		category := row.Category
		if category == "" {
			category = "uncategorized"
		}
		stats.Categories[category]++
	}
	return stats, nil
}

func (c *Client) tableURL(query url.Values) string {
	u := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, c.table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "build store request").WithCause(err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes the request and decodes the JSON body into out when out is
// non-nil. It returns the response for header inspection.
func (c *Client) do(req *http.Request, out interface{}) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageUnavailable, "table store request failed").
			WithOperation(req.Method).
			WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageRequest, "read store response").
			WithOperation(req.Method).
			WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("table store rejected request", map[string]interface{}{
			"method": req.Method,
			"status": resp.StatusCode,
			"body":   truncate(string(payload), 256),
		})
		return nil, errors.Newf(errors.ErrCodeStorageRequest, "table store returned status %d", resp.StatusCode).
			WithOperation(req.Method)
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, errors.New(errors.ErrCodeStorageRequest, "decode store response").
				WithOperation(req.Method).
				WithCause(err)
		}
	}
	return resp, nil
}

// parseContentRangeTotal extracts the total from a "start-end/total"
// Content-Range value.
func parseContentRangeTotal(value string) (int, bool) {
	idx := strings.LastIndex(value, "/")
	if idx < 0 {
		return 0, false
	}
	totalPart := value[idx+1:]
	if totalPart == "*" || totalPart == "" {
		return 0, false
	}
	total, err := strconv.Atoi(totalPart)
	if err != nil {
		return 0, false
	}
	return total, true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
