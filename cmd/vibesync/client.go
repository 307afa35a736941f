package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vibeflow/vibesync/internal/config"
)

// Sentinel errors the exit-code mapping keys off.
var (
	errUnreachable = errors.New("runtime unreachable")
	errNotFound    = errors.New("not found")
	errCancelled   = errors.New("cancelled")
)

// client talks to the control API of a running serve process.
type client struct {
	base string
	http *http.Client
}

func newClient() (*client, error) {
	cfg, err := config.Load(projectsFileFlag)
	if err != nil {
		return nil, err
	}
	if addressFlag != "" {
		cfg.RuntimeAddress = addressFlag
	}
	return &client{
		base: cfg.BaseURL(),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiResponse mirrors the server's envelope.
type apiResponse struct {
	Success bool            `json:"success"`
	RunID   string          `json:"run_id,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (c *client) get(ctx context.Context, path string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *client) post(ctx context.Context, path string, body interface{}) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *client) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (is 'vibesync serve' running?)", errUnreachable, c.base)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", errNotFound, out.Error)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, out.Error)
	}
	return &out, nil
}
