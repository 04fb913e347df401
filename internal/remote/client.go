// Package remote provides the client for the hosted record store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the remote record store's REST interface. Each domain
// collection is a resource: POST /{collection}, PATCH /{collection}/{id},
// DELETE /{collection}/{id}, GET /{collection}?since=&limit=.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the store at baseURL authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		token:      token,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RecordID extracts the server identity from a record's JSON body.
func RecordID(raw json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("failed to decode record: %w", err)
	}
	if probe.ID == "" {
		return "", fmt.Errorf("record has no id field")
	}
	return probe.ID, nil
}

func (c *Client) doRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// Insert creates a record in the collection and returns the stored record,
// including its server-assigned identity.
func (c *Client) Insert(ctx context.Context, collection string, payload json.RawMessage) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, collection)

	resp, err := c.doRequest(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	created, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return created, nil
}

// Update applies a partial update to the record with the given server id and
// returns the stored record.
func (c *Client) Update(ctx context.Context, collection, id string, payload json.RawMessage) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, collection, url.PathEscape(id))

	resp, err := c.doRequest(ctx, http.MethodPatch, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	updated, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return updated, nil
}

// Delete removes the record with the given server id. Callers decide how to
// treat a NotFound response; the client reports it as an *APIError.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, collection, url.PathEscape(id))

	resp, err := c.doRequest(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// ListSince fetches records updated at or after since, capped at limit.
// An empty since fetches from the beginning of time.
func (c *Client) ListSince(ctx context.Context, collection, since string, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	q.Set("limit", strconv.Itoa(limit))
	u := fmt.Sprintf("%s/%s?%s", c.baseURL, collection, q.Encode())

	resp, err := c.doRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return records, nil
}

// Ping probes the remote store's health endpoint. A nil error means the
// store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}
