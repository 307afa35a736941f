package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync directions for a Docs mirror page.
const (
	DirectionImport = "import" // local file pushed to Docs
	DirectionExport = "export" // Docs page written to local file
)

// Sync statuses for a Docs mirror page.
const (
	PageSynced        = "synced"
	PageDeletedRemote = "deleted_remote"
)

// DocsPage is one row of the docs_pages table, keyed by the remote page id.
type DocsPage struct {
	PageID    string
	BookSlug  string
	ChapterID string
	Project   string
	LocalPath string // relative to the project's book directory

	ContentHash string // hash of the local file
	RemoteHash  string // hash of the remote page markdown

	LocalModifiedAt  time.Time
	RemoteModifiedAt time.Time
	LastExportAt     time.Time
	LastImportAt     time.Time

	SyncDirection string
	SyncStatus    string
}

// UpsertPage inserts or fully replaces the row for page.PageID.
func (s *Store) UpsertPage(ctx context.Context, page *DocsPage) error {
	if page.SyncStatus == "" {
		page.SyncStatus = PageSynced
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO docs_pages (
    page_id, book_slug, chapter_id, project, local_path,
    content_hash, remote_hash,
    local_modified_at, remote_modified_at, last_export_at, last_import_at,
    sync_direction, sync_status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(page_id) DO UPDATE SET
    book_slug = excluded.book_slug,
    chapter_id = excluded.chapter_id,
    project = excluded.project,
    local_path = excluded.local_path,
    content_hash = excluded.content_hash,
    remote_hash = excluded.remote_hash,
    local_modified_at = excluded.local_modified_at,
    remote_modified_at = excluded.remote_modified_at,
    last_export_at = excluded.last_export_at,
    last_import_at = excluded.last_import_at,
    sync_direction = excluded.sync_direction,
    sync_status = excluded.sync_status`,
		page.PageID, page.BookSlug, page.ChapterID, page.Project, page.LocalPath,
		page.ContentHash, page.RemoteHash,
		millis(page.LocalModifiedAt), millis(page.RemoteModifiedAt),
		millis(page.LastExportAt), millis(page.LastImportAt),
		page.SyncDirection, page.SyncStatus)
	if err != nil {
		return fmt.Errorf("upsert page %s: %w", page.PageID, err)
	}
	return nil
}

const pageColumns = `page_id, book_slug, chapter_id, project, local_path,
    content_hash, remote_hash,
    local_modified_at, remote_modified_at, last_export_at, last_import_at,
    sync_direction, sync_status`

func scanPage(scan func(...interface{}) error) (*DocsPage, error) {
	var p DocsPage
	var lm, rm, le, li int64
	err := scan(
		&p.PageID, &p.BookSlug, &p.ChapterID, &p.Project, &p.LocalPath,
		&p.ContentHash, &p.RemoteHash,
		&lm, &rm, &le, &li,
		&p.SyncDirection, &p.SyncStatus,
	)
	if err != nil {
		return nil, err
	}
	p.LocalModifiedAt = fromMillis(lm)
	p.RemoteModifiedAt = fromMillis(rm)
	p.LastExportAt = fromMillis(le)
	p.LastImportAt = fromMillis(li)
	return &p, nil
}

// GetPageByPath looks a page up by its project-relative local path.
// Returns nil when untracked.
func (s *Store) GetPageByPath(ctx context.Context, project, localPath string) (*DocsPage, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM docs_pages WHERE project = ? AND local_path = ?`,
		project, localPath).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get page by path %s/%s: %w", project, localPath, err)
	}
	return p, nil
}

// GetPage looks a page up by its remote id. Returns nil when untracked.
func (s *Store) GetPage(ctx context.Context, pageID string) (*DocsPage, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM docs_pages WHERE page_id = ?`, pageID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get page %s: %w", pageID, err)
	}
	return p, nil
}

// GetPagesByProject returns every tracked page of the project.
func (s *Store) GetPagesByProject(ctx context.Context, project string) ([]*DocsPage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM docs_pages WHERE project = ? ORDER BY local_path`, project)
	if err != nil {
		return nil, fmt.Errorf("get pages %s: %w", project, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*DocsPage
	for rows.Next() {
		p, err := scanPage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("get pages %s: %w", project, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePage drops the tracking row for a page.
func (s *Store) DeletePage(ctx context.Context, pageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM docs_pages WHERE page_id = ?`, pageID); err != nil {
		return fmt.Errorf("delete page %s: %w", pageID, err)
	}
	return nil
}

// SetLastExport records the project-level export watermark.
func (s *Store) SetLastExport(ctx context.Context, project string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mirror_meta (project, last_export_at) VALUES (?, ?)
ON CONFLICT(project) DO UPDATE SET last_export_at = excluded.last_export_at`,
		project, millis(t))
	if err != nil {
		return fmt.Errorf("set last export %s: %w", project, err)
	}
	return nil
}

// GetLastExport returns the project-level export watermark, zero when unset.
func (s *Store) GetLastExport(ctx context.Context, project string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_export_at FROM mirror_meta WHERE project = ?`, project).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last export %s: %w", project, err)
	}
	return fromMillis(ms), nil
}
