package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nightvote/gamesync/internal/game"
)

// Client is the HTTP collaborator for the synchronization core:
// fetch-snapshot, advance, and submit-action against the game server's
// JSON REST endpoints.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewClient creates a client for the given base URL, e.g.
// "https://game.example.com".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// SetHeader sets a header sent with every request (e.g. Authorization).
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

func (c *Client) makeRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}
	return responseBody, nil
}

// FetchSnapshot retrieves the current authoritative snapshot.
func (c *Client) FetchSnapshot(ctx context.Context, sessionID string) (*game.Snapshot, error) {
	data, err := c.makeRequest(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	var snapshot game.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Advance asks the server to progress the session past the current
// step. The server remains the sole judge of whether that is legal.
func (c *Client) Advance(ctx context.Context, sessionID string) error {
	_, err := c.makeRequest(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/advance", nil)
	return err
}

// SubmitAction submits the local participant's response to a pending
// action.
func (c *Client) SubmitAction(ctx context.Context, sessionID string, action game.Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	_, err = c.makeRequest(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/actions", bytes.NewReader(payload))
	return err
}
