// Package trackerhttp implements the TrackerAdapter against the Tracker's
// REST API.
package trackerhttp

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

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/types"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxRetries     = 3
	RetryDelay     = time.Second
	DefaultPerPage = 50
)

// Client talks to the Tracker REST API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

var _ adapters.TrackerAdapter = (*Client)(nil)

// NewClient creates a Tracker client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// request sends one HTTP request, retrying rate limits with exponential
// backoff. 404 and 422 map onto the non-retryable error kinds.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			jsonBody, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			bodyReader = bytes.NewReader(jsonBody)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed (attempt %d/%d): %w", attempt+1, MaxRetries+1, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response (attempt %d/%d): %w", attempt+1, MaxRetries+1, err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			delay := RetryDelay * time.Duration(1<<attempt)
			lastErr = fmt.Errorf("rate limited (attempt %d/%d)", attempt+1, MaxRetries+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, adapters.NotFoundErrorf("tracker: %s %s", method, path)
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, adapters.ValidationErrorf("tracker: %s", string(respBody))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("tracker API error: %s (status %d)", string(respBody), resp.StatusCode)
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", MaxRetries+1, lastErr)
}

// requestWithPagination fetches all pages of a paginated endpoint.
func (c *Client) requestWithPagination(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	var allResults []json.RawMessage
	page := 1

	for {
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(DefaultPerPage))

		resp, err := c.request(ctx, "GET", path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}

		var pageResults []json.RawMessage
		if err := json.Unmarshal(resp, &pageResults); err != nil {
			return nil, fmt.Errorf("failed to parse page results: %w", err)
		}

		allResults = append(allResults, pageResults...)
		if len(pageResults) < DefaultPerPage {
			break
		}
		page++
	}

	return allResults, nil
}

// project is the wire form of a Tracker project.
type project struct {
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// issue is the wire form of a Tracker issue.
type issue struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	Labels      []string  `json:"labels"`
	Parent      string    `json:"parent"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (i issue) toWorkItem() types.WorkItem {
	return types.WorkItem{
		ID:          i.ID,
		Identifier:  i.Identifier,
		Title:       i.Title,
		Description: i.Description,
		Status:      i.Status,
		Priority:    i.Priority,
		Labels:      i.Labels,
		Parent:      i.Parent,
		ModifiedAt:  i.UpdatedAt,
		CreatedAt:   i.CreatedAt,
	}
}

// ListProjects fetches all projects visible to the token.
func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	rawResults, err := c.requestWithPagination(ctx, "/api/projects", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch projects: %w", err)
	}

	projects := make([]types.Project, 0, len(rawResults))
	for _, raw := range rawResults {
		var p project
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to parse project: %w", err)
		}
		projects = append(projects, types.Project{
			Identifier:  p.Identifier,
			Name:        p.Name,
			Description: p.Description,
			RepoPath:    types.ParseRepoPath(p.Description),
		})
	}
	return projects, nil
}

// ListIssuesBulk prefetches up to limit issues per project in one pass.
func (c *Client) ListIssuesBulk(ctx context.Context, projects []string, limit int) (map[string][]types.WorkItem, error) {
	out := make(map[string][]types.WorkItem, len(projects))
	for _, proj := range projects {
		params := url.Values{}
		params.Set("project", proj)
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}
		rawResults, err := c.requestWithPagination(ctx, "/api/issues", params)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch issues for %s: %w", proj, err)
		}
		items := make([]types.WorkItem, 0, len(rawResults))
		for _, raw := range rawResults {
			var is issue
			if err := json.Unmarshal(raw, &is); err != nil {
				return nil, fmt.Errorf("failed to parse issue: %w", err)
			}
			items = append(items, is.toWorkItem())
			if limit > 0 && len(items) >= limit {
				break
			}
		}
		out[proj] = items
	}
	return out, nil
}

// GetIssue fetches one issue by canonical identifier.
func (c *Client) GetIssue(ctx context.Context, id string) (*types.WorkItem, error) {
	resp, err := c.request(ctx, "GET", "/api/issues/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue %s: %w", id, err)
	}
	var is issue
	if err := json.Unmarshal(resp, &is); err != nil {
		return nil, fmt.Errorf("failed to parse issue: %w", err)
	}
	item := is.toWorkItem()
	return &item, nil
}

// CreateIssue creates an issue in the given project.
func (c *Client) CreateIssue(ctx context.Context, proj string, item *types.WorkItem) (*types.WorkItem, error) {
	body := map[string]interface{}{
		"project":     proj,
		"title":       item.Title,
		"description": item.Description,
		"status":      item.Status,
		"priority":    item.Priority,
		"labels":      item.Labels,
	}
	if item.Parent != "" {
		body["parent"] = item.Parent
	}
	resp, err := c.request(ctx, "POST", "/api/issues", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	var is issue
	if err := json.Unmarshal(resp, &is); err != nil {
		return nil, fmt.Errorf("failed to parse created issue: %w", err)
	}
	created := is.toWorkItem()
	return &created, nil
}

// UpdateIssue applies a partial update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) (*types.WorkItem, error) {
	resp, err := c.request(ctx, "PATCH", "/api/issues/"+url.PathEscape(id), updates)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue %s: %w", id, err)
	}
	var is issue
	if err := json.Unmarshal(resp, &is); err != nil {
		return nil, fmt.Errorf("failed to parse updated issue: %w", err)
	}
	updated := is.toWorkItem()
	return &updated, nil
}
