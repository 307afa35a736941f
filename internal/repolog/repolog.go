// Package repolog implements the RepoLogAdapter: a filesystem-backed issue
// log living inside each project's working copy (a SQLite database under
// .repolog/), with changes recorded through git. One mutator per repo: all
// writes serialize on the repo path.
package repolog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/types"
)

// LogDirName is the directory the issue log lives in, relative to the repo
// root.
const LogDirName = ".repolog"

const dbFileName = "issues.db"

const logSchema = `
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open',
    priority TEXT NOT NULL DEFAULT '',
    labels TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// ProjectLookup resolves a project code to its Tracker-side project, used by
// ResolveRepoPath to parse repo paths out of project descriptions.
type ProjectLookup func(ctx context.Context, project string) (*types.Project, error)

// Adapter is the filesystem RepoLog. PathOverrides (operator config) win over
// description parsing in ResolveRepoPath.
type Adapter struct {
	PathOverrides map[string]string
	Lookup        ProjectLookup

	mu    sync.Mutex
	dbs   map[string]*sql.DB
	locks map[string]*sync.Mutex
}

var _ adapters.RepoLogAdapter = (*Adapter)(nil)

// New creates a RepoLog adapter.
func New(pathOverrides map[string]string, lookup ProjectLookup) *Adapter {
	return &Adapter{
		PathOverrides: pathOverrides,
		Lookup:        lookup,
		dbs:           make(map[string]*sql.DB),
		locks:         make(map[string]*sync.Mutex),
	}
}

// repoLock returns the per-repo mutex, the lock key is the repo path.
func (a *Adapter) repoLock(repoPath string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[repoPath]
	if !ok {
		l = &sync.Mutex{}
		a.locks[repoPath] = l
	}
	return l
}

func (a *Adapter) open(ctx context.Context, repoPath string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.dbs[repoPath]; ok {
		return db, nil
	}
	dbPath := filepath.Join(repoPath, LogDirName, dbFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, adapters.NotFoundErrorf("no issue log in %s", repoPath)
	}
	db, err := sql.Open("sqlite3",
		"file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open issue log %s: %w", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, logSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("issue log schema %s: %w", dbPath, err)
	}
	a.dbs[repoPath] = db
	return db, nil
}

// Close closes every cached database handle.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for path, db := range a.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.dbs, path)
	}
	return firstErr
}

// Init prepares the issue log inside repoPath for the given project.
// Idempotent: an existing log is left alone.
func (a *Adapter) Init(ctx context.Context, repoPath, project string) error {
	lock := a.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(repoPath); err != nil {
		return adapters.NotFoundErrorf("repo path %s", repoPath)
	}
	logDir := filepath.Join(repoPath, LogDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("init issue log: %w", err)
	}
	dbPath := filepath.Join(logDir, dbFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		// Touch the file so open() accepts the path afterwards.
		f, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("init issue log: %w", err)
		}
		_ = f.Close()
	}
	db, err := a.open(ctx, repoPath)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('project', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		project)
	if err != nil {
		return fmt.Errorf("init issue log: %w", err)
	}
	return nil
}

func scanIssue(scan func(...interface{}) error) (*types.WorkItem, error) {
	var item types.WorkItem
	var labels string
	var created, updated int64
	if err := scan(&item.ID, &item.Title, &item.Description, &item.Status, &item.Priority,
		&labels, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &item.Labels); err != nil {
		item.Labels = nil
	}
	item.CreatedAt = time.UnixMilli(created).UTC()
	item.ModifiedAt = time.UnixMilli(updated).UTC()
	return &item, nil
}

const issueColumns = `id, title, description, status, priority, labels, created_at, updated_at`

// ListIssues returns every issue in the repo's log, ordered by id.
func (a *Adapter) ListIssues(ctx context.Context, repoPath string) ([]types.WorkItem, error) {
	db, err := a.open(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list issues %s: %w", repoPath, err)
	}
	defer func() { _ = rows.Close() }()
	var out []types.WorkItem
	for rows.Next() {
		item, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list issues %s: %w", repoPath, err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// GetIssue fetches one issue by its log id.
func (a *Adapter) GetIssue(ctx context.Context, id, repoPath string) (*types.WorkItem, error) {
	db, err := a.open(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	item, err := scanIssue(db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, adapters.NotFoundErrorf("repolog issue %s in %s", id, repoPath)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", id, err)
	}
	return item, nil
}

// Upsert creates or updates an issue. An empty id first tries to match an
// existing issue by tracker label, then inserts a new one. Empty incoming
// fields leave the stored values unchanged.
func (a *Adapter) Upsert(ctx context.Context, repoPath string, item *types.WorkItem) (*types.WorkItem, error) {
	lock := a.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	db, err := a.open(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	id := item.ID
	if id == "" {
		if ref := firstTrackerRef(item.Labels); ref != "" {
			if existing, err := a.findByTrackerRef(ctx, db, ref); err == nil && existing != "" {
				id = existing
			}
		}
	}

	now := time.Now().UTC()
	if id == "" {
		id = "rl-" + strings.Split(uuid.NewString(), "-")[0]
		labels, _ := json.Marshal(item.Labels)
		status := item.Status
		if status == "" {
			status = "open"
		}
		_, err = db.ExecContext(ctx, `
INSERT INTO issues (id, title, description, status, priority, labels, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, item.Title, item.Description, status, item.Priority, string(labels),
			now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("create issue in %s: %w", repoPath, err)
		}
	} else {
		existing, err := scanIssue(db.QueryRowContext(ctx,
			`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id).Scan)
		if err == sql.ErrNoRows {
			return nil, adapters.NotFoundErrorf("repolog issue %s in %s", id, repoPath)
		}
		if err != nil {
			return nil, fmt.Errorf("upsert issue %s: %w", id, err)
		}
		merged := mergeItem(existing, item)
		labels, _ := json.Marshal(merged.Labels)
		_, err = db.ExecContext(ctx, `
UPDATE issues SET title = ?, description = ?, status = ?, priority = ?, labels = ?, updated_at = ?
WHERE id = ?`,
			merged.Title, merged.Description, merged.Status, merged.Priority, string(labels),
			now.UnixMilli(), id)
		if err != nil {
			return nil, fmt.Errorf("upsert issue %s: %w", id, err)
		}
	}

	return a.getLocked(ctx, db, id, repoPath)
}

func (a *Adapter) getLocked(ctx context.Context, db *sql.DB, id, repoPath string) (*types.WorkItem, error) {
	item, err := scanIssue(db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id).Scan)
	if err != nil {
		return nil, fmt.Errorf("get issue %s in %s: %w", id, repoPath, err)
	}
	return item, nil
}

// findByTrackerRef scans labels for an issue carrying tracker:<ref>.
func (a *Adapter) findByTrackerRef(ctx context.Context, db *sql.DB, ref string) (string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, labels FROM issues`)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()
	want := types.TrackerLabelPrefix + ref
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return "", err
		}
		var labels []string
		if err := json.Unmarshal([]byte(raw), &labels); err != nil {
			continue
		}
		for _, l := range labels {
			if l == want {
				return id, nil
			}
		}
	}
	return "", rows.Err()
}

func firstTrackerRef(labels []string) string {
	refs := types.TrackerRefsFromLabels(labels)
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}

func mergeItem(existing, incoming *types.WorkItem) *types.WorkItem {
	out := *existing
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.Description != "" {
		out.Description = incoming.Description
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.Priority != "" {
		out.Priority = incoming.Priority
	}
	if len(incoming.Labels) > 0 {
		out.Labels = mergeLabels(existing.Labels, incoming.Labels)
	}
	return &out
}

func mergeLabels(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, l := range existing {
		seen[l] = true
	}
	for _, l := range incoming {
		if !seen[l] {
			out = append(out, l)
			seen[l] = true
		}
	}
	return out
}

// ResolveRepoPath maps a project code to its working copy. Operator
// overrides win; otherwise the Tracker project description is parsed for a
// Filesystem:/Path:/Directory:/Location: marker.
func (a *Adapter) ResolveRepoPath(ctx context.Context, project string) (string, error) {
	if path, ok := a.PathOverrides[project]; ok {
		return path, nil
	}
	if a.Lookup != nil {
		p, err := a.Lookup(ctx, project)
		if err != nil {
			return "", fmt.Errorf("resolve repo path %s: %w", project, err)
		}
		if p != nil {
			if p.RepoPath != "" {
				return p.RepoPath, nil
			}
			if path := types.ParseRepoPath(p.Description); path != "" {
				return path, nil
			}
		}
	}
	return "", adapters.NotFoundErrorf("no repo path for project %s", project)
}
