// Package docshttp implements the DocsAdapter against the documentation
// platform's REST API: books, chapters and pages for the markdown mirror,
// and the task-board peer the work-item sync talks to.
package docshttp

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
	DefaultPerPage = 100
)

// Client talks to the Docs REST API. Auth follows the platform's token-id /
// token-secret header pair.
type Client struct {
	BaseURL     string
	TokenID     string
	TokenSecret string
	HTTPClient  *http.Client
}

var _ adapters.DocsAdapter = (*Client)(nil)

// NewClient creates a Docs client.
func NewClient(baseURL, tokenID, tokenSecret string) *Client {
	return &Client{
		BaseURL:     baseURL,
		TokenID:     tokenID,
		TokenSecret: tokenSecret,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

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

		req.Header.Set("Authorization", fmt.Sprintf("Token %s:%s", c.TokenID, c.TokenSecret))
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
			return nil, adapters.NotFoundErrorf("docs: %s %s", method, path)
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, adapters.ValidationErrorf("docs: %s", string(respBody))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("docs API error: %s (status %d)", string(respBody), resp.StatusCode)
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", MaxRetries+1, lastErr)
}

// listPages walks a paginated listing endpoint ({"data": [...], "total": N}).
func (c *Client) listPages(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	var all []json.RawMessage
	offset := 0
	for {
		params.Set("count", strconv.Itoa(DefaultPerPage))
		params.Set("offset", strconv.Itoa(offset))
		resp, err := c.request(ctx, "GET", path+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var envelope struct {
			Data  []json.RawMessage `json:"data"`
			Total int               `json:"total"`
		}
		if err := json.Unmarshal(resp, &envelope); err != nil {
			return nil, fmt.Errorf("failed to parse listing: %w", err)
		}
		all = append(all, envelope.Data...)
		offset += len(envelope.Data)
		if len(envelope.Data) < DefaultPerPage || offset >= envelope.Total {
			break
		}
	}
	return all, nil
}

type book struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (b book) toAdapter() adapters.Book {
	return adapters.Book{ID: strconv.FormatInt(b.ID, 10), Name: b.Name, Slug: b.Slug}
}

type chapter struct {
	ID     int64  `json:"id"`
	BookID int64  `json:"book_id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
}

func (ch chapter) toAdapter() adapters.Chapter {
	return adapters.Chapter{
		ID:     strconv.FormatInt(ch.ID, 10),
		BookID: strconv.FormatInt(ch.BookID, 10),
		Name:   ch.Name,
		Slug:   ch.Slug,
	}
}

type page struct {
	ID        int64     `json:"id"`
	BookID    int64     `json:"book_id"`
	ChapterID int64     `json:"chapter_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Markdown  string    `json:"markdown"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p page) toAdapter() adapters.Page {
	out := adapters.Page{
		ID:        strconv.FormatInt(p.ID, 10),
		BookID:    strconv.FormatInt(p.BookID, 10),
		Name:      p.Name,
		Slug:      p.Slug,
		Markdown:  p.Markdown,
		UpdatedAt: p.UpdatedAt,
	}
	if p.ChapterID != 0 {
		out.ChapterID = strconv.FormatInt(p.ChapterID, 10)
	}
	return out
}

// ListBooks fetches every book.
func (c *Client) ListBooks(ctx context.Context) ([]adapters.Book, error) {
	raw, err := c.listPages(ctx, "/api/books", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch books: %w", err)
	}
	books := make([]adapters.Book, 0, len(raw))
	for _, r := range raw {
		var b book
		if err := json.Unmarshal(r, &b); err != nil {
			return nil, fmt.Errorf("failed to parse book: %w", err)
		}
		books = append(books, b.toAdapter())
	}
	return books, nil
}

// GetBookContents fetches a book's chapters and pages.
func (c *Client) GetBookContents(ctx context.Context, bookID string) (*adapters.BookContents, error) {
	resp, err := c.request(ctx, "GET", "/api/books/"+url.PathEscape(bookID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch book %s: %w", bookID, err)
	}
	var payload struct {
		book
		Contents []json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse book: %w", err)
	}
	out := &adapters.BookContents{Book: payload.book.toAdapter()}
	for _, raw := range payload.Contents {
		var kind struct {
			Type string `json:"type"` // "chapter" or "page"
		}
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, fmt.Errorf("failed to parse book contents: %w", err)
		}
		if kind.Type == "chapter" {
			var entry struct {
				chapter
				Pages []page `json:"pages"`
			}
			if err := json.Unmarshal(raw, &entry); err != nil {
				return nil, fmt.Errorf("failed to parse chapter: %w", err)
			}
			out.Chapters = append(out.Chapters, entry.chapter.toAdapter())
			for _, p := range entry.Pages {
				ap := p.toAdapter()
				if ap.ChapterID == "" {
					ap.ChapterID = strconv.FormatInt(entry.chapter.ID, 10)
				}
				out.Pages = append(out.Pages, ap)
			}
			continue
		}
		var p page
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to parse page: %w", err)
		}
		out.Pages = append(out.Pages, p.toAdapter())
	}
	return out, nil
}

// GetPage fetches one page including its markdown source.
func (c *Client) GetPage(ctx context.Context, pageID string) (*adapters.Page, error) {
	resp, err := c.request(ctx, "GET", "/api/pages/"+url.PathEscape(pageID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page %s: %w", pageID, err)
	}
	var p page
	if err := json.Unmarshal(resp, &p); err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	out := p.toAdapter()
	return &out, nil
}

// CreatePage creates a page from markdown.
func (c *Client) CreatePage(ctx context.Context, in adapters.PageInput) (*adapters.Page, error) {
	body := map[string]interface{}{
		"book_id":  in.BookID,
		"name":     in.Name,
		"markdown": in.Markdown,
	}
	if in.ChapterID != "" {
		body["chapter_id"] = in.ChapterID
	}
	resp, err := c.request(ctx, "POST", "/api/pages", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create page %q: %w", in.Name, err)
	}
	var p page
	if err := json.Unmarshal(resp, &p); err != nil {
		return nil, fmt.Errorf("failed to parse created page: %w", err)
	}
	out := p.toAdapter()
	return &out, nil
}

// UpdatePage replaces a page's markdown (and optionally its name).
func (c *Client) UpdatePage(ctx context.Context, pageID string, in adapters.PageInput) (*adapters.Page, error) {
	body := map[string]interface{}{"markdown": in.Markdown}
	if in.Name != "" {
		body["name"] = in.Name
	}
	resp, err := c.request(ctx, "PUT", "/api/pages/"+url.PathEscape(pageID), body)
	if err != nil {
		return nil, fmt.Errorf("failed to update page %s: %w", pageID, err)
	}
	var p page
	if err := json.Unmarshal(resp, &p); err != nil {
		return nil, fmt.Errorf("failed to parse updated page: %w", err)
	}
	out := p.toAdapter()
	return &out, nil
}

// ExportPageMarkdown fetches a page rendered as markdown.
func (c *Client) ExportPageMarkdown(ctx context.Context, pageID string) (string, error) {
	resp, err := c.request(ctx, "GET", "/api/pages/"+url.PathEscape(pageID)+"/export/markdown", nil)
	if err != nil {
		return "", fmt.Errorf("failed to export page %s: %w", pageID, err)
	}
	return string(resp), nil
}

// CreateChapter creates a chapter inside a book.
func (c *Client) CreateChapter(ctx context.Context, bookID, name string) (*adapters.Chapter, error) {
	resp, err := c.request(ctx, "POST", "/api/chapters", map[string]interface{}{
		"book_id": bookID,
		"name":    name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chapter %q: %w", name, err)
	}
	var ch chapter
	if err := json.Unmarshal(resp, &ch); err != nil {
		return nil, fmt.Errorf("failed to parse created chapter: %w", err)
	}
	out := ch.toAdapter()
	return &out, nil
}

// task is the wire form of a task on the Docs task board.
type task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (t task) toWorkItem() types.WorkItem {
	return types.WorkItem{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		ModifiedAt:  t.UpdatedAt,
		CreatedAt:   t.CreatedAt,
	}
}

// EnsureProject finds or creates the task-board project for a project code.
func (c *Client) EnsureProject(ctx context.Context, projectCode, name string) (string, error) {
	raw, err := c.listPages(ctx, "/api/task-projects", url.Values{"code": {projectCode}})
	if err != nil {
		return "", fmt.Errorf("failed to look up task project %s: %w", projectCode, err)
	}
	for _, r := range raw {
		var p struct {
			ID   string `json:"id"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(r, &p); err == nil && p.Code == projectCode {
			return p.ID, nil
		}
	}
	resp, err := c.request(ctx, "POST", "/api/task-projects", map[string]interface{}{
		"code": projectCode,
		"name": name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create task project %s: %w", projectCode, err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &created); err != nil {
		return "", fmt.Errorf("failed to parse created task project: %w", err)
	}
	return created.ID, nil
}

// ListTasks fetches all tasks on a task-board project.
func (c *Client) ListTasks(ctx context.Context, docsProjectID string) ([]types.WorkItem, error) {
	raw, err := c.listPages(ctx, "/api/tasks", url.Values{"projectId": {docsProjectID}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks for %s: %w", docsProjectID, err)
	}
	items := make([]types.WorkItem, 0, len(raw))
	for _, r := range raw {
		var t task
		if err := json.Unmarshal(r, &t); err != nil {
			return nil, fmt.Errorf("failed to parse task: %w", err)
		}
		items = append(items, t.toWorkItem())
	}
	return items, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.WorkItem, error) {
	resp, err := c.request(ctx, "GET", "/api/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task %s: %w", taskID, err)
	}
	var t task
	if err := json.Unmarshal(resp, &t); err != nil {
		return nil, fmt.Errorf("failed to parse task: %w", err)
	}
	item := t.toWorkItem()
	return &item, nil
}

// CreateTask creates a task on a task-board project.
func (c *Client) CreateTask(ctx context.Context, docsProjectID string, item *types.WorkItem) (*types.WorkItem, error) {
	resp, err := c.request(ctx, "POST", "/api/tasks", map[string]interface{}{
		"projectId":   docsProjectID,
		"title":       item.Title,
		"description": item.Description,
		"status":      item.Status,
		"priority":    item.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task %q: %w", item.Title, err)
	}
	var t task
	if err := json.Unmarshal(resp, &t); err != nil {
		return nil, fmt.Errorf("failed to parse created task: %w", err)
	}
	created := t.toWorkItem()
	return &created, nil
}

// UpdateTask applies a partial update to a task.
func (c *Client) UpdateTask(ctx context.Context, taskID string, updates map[string]interface{}) (*types.WorkItem, error) {
	resp, err := c.request(ctx, "PATCH", "/api/tasks/"+url.PathEscape(taskID), updates)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	var t task
	if err := json.Unmarshal(resp, &t); err != nil {
		return nil, fmt.Errorf("failed to parse updated task: %w", err)
	}
	updated := t.toWorkItem()
	return &updated, nil
}
