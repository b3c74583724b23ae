// Package client is a Go client for the tunnel daemon's HTTP API. It mirrors
// the REST surface and, through Watch, the SSE event feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned HTTP %d: %s", e.StatusCode, e.Detail)
}

// Client talks to one tunnel daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL, e.g.
// "http://127.0.0.1:8090".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// doJSON runs a request and decodes a 2xx body into out (out may be nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	body, _ := io.ReadAll(resp.Body)
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
		detail = payload.Detail
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}

// Health fetches the daemon's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateProfile stores a new tunnel configuration.
func (c *Client) CreateProfile(ctx context.Context, spec ProfileSpec) (*Profile, error) {
	var p Profile
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/profiles", spec, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfiles returns all stored profiles.
func (c *Client) ListProfiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProfile fetches one profile by ID.
func (c *Client) GetProfile(ctx context.Context, id uint) (*Profile, error) {
	var p Profile
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v1/profiles/%d", id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile replaces a profile. An empty Password keeps the stored one.
func (c *Client) UpdateProfile(ctx context.Context, id uint, spec ProfileSpec) (*Profile, error) {
	var p Profile
	if err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/v1/profiles/%d", id), spec, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProfile removes a profile. Profiles referenced by a tunnel cannot be
// deleted.
func (c *Client) DeleteProfile(ctx context.Context, id uint) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/profiles/%d", id), nil, nil)
}

// CreateTunnel registers a tunnel for a profile. The tunnel starts out
// stopped.
func (c *Client) CreateTunnel(ctx context.Context, profileID uint) (*Tunnel, error) {
	var t Tunnel
	body := map[string]uint{"profile_id": profileID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tunnels", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTunnels returns a consistent snapshot of the daemon's state table.
func (c *Client) ListTunnels(ctx context.Context) ([]Tunnel, error) {
	var out []Tunnel
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tunnels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTunnel fetches one tunnel's current row.
func (c *Client) GetTunnel(ctx context.Context, id string) (*Tunnel, error) {
	var t Tunnel
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tunnels/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StartTunnel asks the daemon to bring a tunnel up. The call returns once
// the intent is accepted; progress arrives through the event feed.
func (c *Client) StartTunnel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/tunnels/"+id+"/start", nil, nil)
}

// StopTunnel asks the daemon to bring a tunnel down.
func (c *Client) StopTunnel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/tunnels/"+id+"/stop", nil, nil)
}

// RestartTunnel tears a tunnel down and brings it back up.
func (c *Client) RestartTunnel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/tunnels/"+id+"/restart", nil, nil)
}

// DeleteTunnel removes a stopped or failed tunnel from the daemon.
func (c *Client) DeleteTunnel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/tunnels/"+id, nil, nil)
}

// TunnelEvents returns a tunnel's retained event history, oldest first.
func (c *Client) TunnelEvents(ctx context.Context, id string) ([]TunnelEvent, error) {
	var out []TunnelEvent
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tunnels/"+id+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logs fetches the last n lines of the daemon's log.
func (c *Client) Logs(ctx context.Context, n int) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	path := fmt.Sprintf("/api/v1/logs?tail=%d", n)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}
