// Package client is a typed client for the door-lock HTTP API.
package client

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

	"github.com/Afsalkalladi/platformioemlock/internal/core"
)

// Client represents the door-lock API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiToken   string
}

// NewClient creates a new API client. apiToken is sent as a bearer token when
// set.
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Message)
}

// HealthStatus represents the service health
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// CommandBody is the request of POST /api/devices/:id/commands.
type CommandBody struct {
	Type      core.CommandType `json:"type"`
	UID       string           `json:"uid,omitempty"`
	Whitelist []string         `json:"whitelist,omitempty"`
	Blacklist []string         `json:"blacklist,omitempty"`
}

// doRequest performs an HTTP request and decodes a JSON reply into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks the service health
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var health HealthStatus
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// --- Command Methods ---

// GetCommand fetches a command by id. A 404 is reported as
// core.ErrCommandNotFound, so the client can serve as a poll source.
func (c *Client) GetCommand(ctx context.Context, id string) (*core.Command, error) {
	var cmd core.Command
	err := c.doRequest(ctx, http.MethodGet, "/api/commands/"+url.PathEscape(id), nil, &cmd)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, core.ErrCommandNotFound
		}
		return nil, err
	}
	return &cmd, nil
}

// SendCommand queues a command for deviceID.
func (c *Client) SendCommand(ctx context.Context, deviceID string, body CommandBody) (*core.Command, error) {
	var cmd core.Command
	path := fmt.Sprintf("/api/devices/%s/commands", url.PathEscape(deviceID))
	if err := c.doRequest(ctx, http.MethodPost, path, body, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// Unlock queues REMOTE_UNLOCK through the dashboard endpoint.
func (c *Client) Unlock(ctx context.Context, deviceID string) (*core.Command, error) {
	var result struct {
		Success bool          `json:"success"`
		Result  *core.Command `json:"result"`
	}
	body := map[string]string{"deviceId": deviceID}
	if err := c.doRequest(ctx, http.MethodPost, "/api/commands/unlock", body, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

// --- Device Methods ---

// ListDevices lists the fleet with presence.
func (c *Client) ListDevices(ctx context.Context) ([]core.DeviceSummary, error) {
	var result struct {
		Devices []core.DeviceSummary `json:"devices"`
		Count   int                  `json:"count"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/devices", nil, &result); err != nil {
		return nil, err
	}
	return result.Devices, nil
}
