// Package adapters defines the capability interfaces through which the sync
// core reaches the three external systems plus the best-effort memory sink.
// Concrete implementations live in trackerhttp, docshttp, repolog and
// memorysink; tests substitute fakes.
package adapters

import (
	"context"
	"time"

	"github.com/vibeflow/vibesync/internal/types"
)

// TrackerAdapter is the centralized issue tracker.
type TrackerAdapter interface {
	ListProjects(ctx context.Context) ([]types.Project, error)

	// ListIssuesBulk prefetches issues for several projects at once, at most
	// limit per project. Keys of the result are project codes.
	ListIssuesBulk(ctx context.Context, projects []string, limit int) (map[string][]types.WorkItem, error)

	// GetIssue fetches one issue by canonical identifier.
	GetIssue(ctx context.Context, id string) (*types.WorkItem, error)

	CreateIssue(ctx context.Context, project string, item *types.WorkItem) (*types.WorkItem, error)
	UpdateIssue(ctx context.Context, id string, updates map[string]interface{}) (*types.WorkItem, error)
}

// RepoLogAdapter is the filesystem-backed per-repo issue log.
type RepoLogAdapter interface {
	// Init prepares the issue log inside repoPath for the given project.
	// Idempotent.
	Init(ctx context.Context, repoPath, project string) error

	ListIssues(ctx context.Context, repoPath string) ([]types.WorkItem, error)
	GetIssue(ctx context.Context, id, repoPath string) (*types.WorkItem, error)

	// Upsert creates or updates by native id (or by matching tracker label
	// when the id is empty) and returns the stored item.
	Upsert(ctx context.Context, repoPath string, item *types.WorkItem) (*types.WorkItem, error)

	// Commit records pending log changes in the repo's version control.
	Commit(ctx context.Context, repoPath, message string) error

	// ResolveRepoPath maps a project code to its working-copy path.
	ResolveRepoPath(ctx context.Context, project string) (string, error)
}

// Book is a Docs-side book (top-level page container).
type Book struct {
	ID   string
	Name string
	Slug string
}

// Chapter groups pages inside a book.
type Chapter struct {
	ID     string
	BookID string
	Name   string
	Slug   string
}

// Page is a Docs page. Markdown holds the raw page source when fetched via
// GetPage or ExportPageMarkdown.
type Page struct {
	ID        string
	BookID    string
	ChapterID string
	Name      string
	Slug      string
	Markdown  string
	UpdatedAt time.Time
}

// BookContents is the listing of a book: its chapters and pages.
type BookContents struct {
	Book     Book
	Chapters []Chapter
	Pages    []Page
}

// PageInput carries the writable fields of a page.
type PageInput struct {
	BookID    string
	ChapterID string
	Name      string
	Markdown  string
}

// DocsAdapter is the documentation platform: books, chapters and pages for
// the markdown mirror, and tasks for the Docs-like work-item peer.
type DocsAdapter interface {
	ListBooks(ctx context.Context) ([]Book, error)
	GetBookContents(ctx context.Context, bookID string) (*BookContents, error)
	GetPage(ctx context.Context, pageID string) (*Page, error)
	CreatePage(ctx context.Context, in PageInput) (*Page, error)
	UpdatePage(ctx context.Context, pageID string, in PageInput) (*Page, error)
	ExportPageMarkdown(ctx context.Context, pageID string) (string, error)
	CreateChapter(ctx context.Context, bookID, name string) (*Chapter, error)

	// Task peer surface.
	EnsureProject(ctx context.Context, project, name string) (string, error)
	ListTasks(ctx context.Context, docsProjectID string) ([]types.WorkItem, error)
	GetTask(ctx context.Context, taskID string) (*types.WorkItem, error)
	CreateTask(ctx context.Context, docsProjectID string, item *types.WorkItem) (*types.WorkItem, error)
	UpdateTask(ctx context.Context, taskID string, updates map[string]interface{}) (*types.WorkItem, error)
}

// MemorySinkAdapter pushes small status blocks to the agent memory store.
// Best-effort: callers ignore failures.
type MemorySinkAdapter interface {
	UpdateBlock(ctx context.Context, agentID, label, value string) error
}

// MetricsSink receives the orchestrator's completion metrics.
type MetricsSink interface {
	RecordSyncRun(ctx context.Context, projectsProcessed, issuesSynced, errors int, duration time.Duration)
}
