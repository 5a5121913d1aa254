// Package remote is the HTTP client for the replication backend. The backend
// is treated as a generic query/mutate API: point and bulk reads per
// collection, row mutations, and (via the realtime package) a change stream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rbeezley/ringsync/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	// ErrConflict covers validation and constraint rejections. Retrying an
	// invalid write cannot succeed, so callers treat it as terminal.
	ErrConflict = errors.New("rejected by server")
)

// IsTerminal reports whether the error is a write rejection that no amount
// of retrying can fix.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound)
}

// Filter narrows a fetch. The zero value fetches the whole collection.
type Filter struct {
	EntityID     string
	UpdatedSince time.Time
}

// Client is an HTTP client for the replication backend.
type Client struct {
	BaseURL    string
	APIKey     string
	LicenseKey string
	HTTP       *http.Client
}

// New creates a new backend client scoped to one license key.
func New(baseURL, apiKey, licenseKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		LicenseKey: licenseKey,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch retrieves rows for a collection, optionally narrowed by filter.
// An empty result is a valid, successful response.
func (c *Client) Fetch(ctx context.Context, collection string, filter Filter) ([]models.Row, error) {
	params := url.Values{}
	params.Set("license_key", c.LicenseKey)
	if filter.EntityID != "" {
		params.Set("id", filter.EntityID)
	}
	if !filter.UpdatedSince.IsZero() {
		params.Set("updated_since", filter.UpdatedSince.UTC().Format(time.RFC3339Nano))
	}

	var rows []models.Row
	path := fmt.Sprintf("/v1/collections/%s/rows?%s", collection, params.Encode())
	if err := c.do(ctx, "GET", path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchOne retrieves a single row by ID. Absence is reported as ErrNotFound.
func (c *Client) FetchOne(ctx context.Context, collection, id string) (models.Row, error) {
	rows, err := c.Fetch(ctx, collection, Filter{EntityID: id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return rows[0], nil
}

// writeRequest is the body for a row mutation.
type writeRequest struct {
	LicenseKey string        `json:"license_key"`
	Fields     models.Fields `json:"fields,omitempty"`
}

// Write applies one mutation to a remote row.
func (c *Client) Write(ctx context.Context, collection, id string, fields models.Fields, op models.MutationOp) error {
	body := &writeRequest{LicenseKey: c.LicenseKey, Fields: fields}
	path := fmt.Sprintf("/v1/collections/%s/rows/%s", collection, url.PathEscape(id))

	switch op {
	case models.OpCreate:
		return c.do(ctx, "POST", path, body, nil)
	case models.OpDelete:
		return c.do(ctx, "DELETE", path, body, nil)
	default:
		return c.do(ctx, "PATCH", path, body, nil)
	}
}

// StreamURL returns the websocket endpoint for the change stream.
func (c *Client) StreamURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/stream"
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			msg = apiErr.Error()
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case http.StatusConflict, http.StatusUnprocessableEntity, http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrConflict, msg)
		default:
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
