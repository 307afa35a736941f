// Package memorysink implements the best-effort MemorySinkAdapter against
// the agent memory store's HTTP API. Callers treat failures as advisory.
package memorysink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vibeflow/vibesync/internal/adapters"
)

const DefaultTimeout = 15 * time.Second

// Client talks to the memory store.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

var _ adapters.MemorySinkAdapter = (*Client)(nil)

// NewClient creates a memory sink client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// UpdateBlock replaces the value of one labelled memory block on an agent.
func (c *Client) UpdateBlock(ctx context.Context, agentID, label, value string) error {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return fmt.Errorf("memory sink: marshal block: %w", err)
	}
	path := fmt.Sprintf("%s/v1/agents/%s/core-memory/blocks/%s",
		c.BaseURL, url.PathEscape(agentID), url.PathEscape(label))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("memory sink: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory sink: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return adapters.NotFoundErrorf("memory sink: agent %s", agentID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("memory sink: %s (status %d)", string(msg), resp.StatusCode)
	}
	return nil
}
