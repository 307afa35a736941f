package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/types"
)

// SyncState is one row of the sync-state table. Zero values ("" and the zero
// time) mean "leave unchanged" on upsert and "never observed" on read.
type SyncState struct {
	CanonicalID string
	Project     string
	Title       string
	Description string
	Status      string
	Priority    string

	TrackerID string
	RepoLogID string
	DocsID    string

	TrackerModifiedAt time.Time
	RepoLogModifiedAt time.Time
	DocsModifiedAt    time.Time

	TrackerStatus string
	RepoLogStatus string
	DocsStatus    string

	ParentCanonical string
	ParentRepoLogID string

	DeletedScope string
}

// ModifiedAt returns the stored timestamp for the given system.
func (r *SyncState) ModifiedAt(s types.System) time.Time {
	switch s {
	case types.SystemTracker:
		return r.TrackerModifiedAt
	case types.SystemRepoLog:
		return r.RepoLogModifiedAt
	case types.SystemDocs:
		return r.DocsModifiedAt
	}
	return time.Time{}
}

// LinkedID returns the stored mirror id for the given system.
func (r *SyncState) LinkedID(s types.System) string {
	switch s {
	case types.SystemTracker:
		return r.TrackerID
	case types.SystemRepoLog:
		return r.RepoLogID
	case types.SystemDocs:
		return r.DocsID
	}
	return ""
}

// Timestamps is the conflict-check fast-path read.
type Timestamps struct {
	Tracker time.Time
	RepoLog time.Time
	Docs    time.Time
}

// For returns the timestamp for the given system.
func (t Timestamps) For(s types.System) time.Time {
	switch s {
	case types.SystemTracker:
		return t.Tracker
	case types.SystemRepoLog:
		return t.RepoLog
	case types.SystemDocs:
		return t.Docs
	}
	return time.Time{}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// upsertSQL merges by canonical id. Text fields only overwrite when the
// incoming value is non-empty; per-system timestamps only move forward, and
// the matching id/status columns follow the timestamp that won.
const upsertSQL = `
INSERT INTO sync_state (
    canonical_id, project, title, description, status, priority,
    tracker_id, repolog_id, docs_id,
    tracker_modified_at, repolog_modified_at, docs_modified_at,
    tracker_status, repolog_status, docs_status,
    parent_canonical, parent_repolog_id, deleted_scope, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(canonical_id) DO UPDATE SET
    project = CASE WHEN excluded.project != '' THEN excluded.project ELSE project END,
    title = CASE WHEN excluded.title != '' THEN excluded.title ELSE title END,
    description = CASE WHEN excluded.description != '' THEN excluded.description ELSE description END,
    status = CASE WHEN excluded.status != '' THEN excluded.status ELSE status END,
    priority = CASE WHEN excluded.priority != '' THEN excluded.priority ELSE priority END,
    tracker_id = CASE WHEN excluded.tracker_id != '' THEN excluded.tracker_id ELSE tracker_id END,
    repolog_id = CASE WHEN excluded.repolog_id != '' THEN excluded.repolog_id ELSE repolog_id END,
    docs_id = CASE WHEN excluded.docs_id != '' THEN excluded.docs_id ELSE docs_id END,
    tracker_status = CASE WHEN excluded.tracker_modified_at >= tracker_modified_at AND excluded.tracker_status != '' THEN excluded.tracker_status ELSE tracker_status END,
    repolog_status = CASE WHEN excluded.repolog_modified_at >= repolog_modified_at AND excluded.repolog_status != '' THEN excluded.repolog_status ELSE repolog_status END,
    docs_status = CASE WHEN excluded.docs_modified_at >= docs_modified_at AND excluded.docs_status != '' THEN excluded.docs_status ELSE docs_status END,
    tracker_modified_at = MAX(tracker_modified_at, excluded.tracker_modified_at),
    repolog_modified_at = MAX(repolog_modified_at, excluded.repolog_modified_at),
    docs_modified_at = MAX(docs_modified_at, excluded.docs_modified_at),
    parent_canonical = CASE WHEN excluded.parent_canonical != '' THEN excluded.parent_canonical ELSE parent_canonical END,
    parent_repolog_id = CASE WHEN excluded.parent_repolog_id != '' THEN excluded.parent_repolog_id ELSE parent_repolog_id END,
    deleted_scope = CASE WHEN excluded.deleted_scope != '' THEN excluded.deleted_scope ELSE deleted_scope END,
    updated_at = excluded.updated_at
`

func upsertArgs(row *SyncState, now time.Time) []interface{} {
	return []interface{}{
		row.CanonicalID, row.Project, row.Title, row.Description, row.Status, row.Priority,
		row.TrackerID, row.RepoLogID, row.DocsID,
		millis(row.TrackerModifiedAt), millis(row.RepoLogModifiedAt), millis(row.DocsModifiedAt),
		row.TrackerStatus, row.RepoLogStatus, row.DocsStatus,
		row.ParentCanonical, row.ParentRepoLogID, row.DeletedScope, millis(now),
	}
}

// Upsert merges one row by canonical id. Atomic per row.
func (s *Store) Upsert(ctx context.Context, row *SyncState) error {
	if !types.IsCanonicalID(row.CanonicalID) {
		return adapters.ValidationErrorf("upsert: %q is not a canonical identifier", row.CanonicalID)
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, upsertArgs(row, time.Now().UTC())...); err != nil {
		return fmt.Errorf("upsert %s: %w", row.CanonicalID, err)
	}
	return nil
}

// UpsertBatch merges a batch of rows in a single transaction, all or nothing.
func (s *Store) UpsertBatch(ctx context.Context, rows []*SyncState) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, row := range rows {
		if !types.IsCanonicalID(row.CanonicalID) {
			return adapters.ValidationErrorf("upsert batch: %q is not a canonical identifier", row.CanonicalID)
		}
		if _, err := stmt.ExecContext(ctx, upsertArgs(row, now)...); err != nil {
			return fmt.Errorf("upsert batch %s: %w", row.CanonicalID, err)
		}
	}
	return tx.Commit()
}

// GetTimestamps is the conflict-check hot path. Missing rows return the zero
// Timestamps, not an error.
func (s *Store) GetTimestamps(ctx context.Context, canonicalID string) (Timestamps, error) {
	var tr, rl, dc int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tracker_modified_at, repolog_modified_at, docs_modified_at FROM sync_state WHERE canonical_id = ?`,
		canonicalID).Scan(&tr, &rl, &dc)
	if err == sql.ErrNoRows {
		return Timestamps{}, nil
	}
	if err != nil {
		return Timestamps{}, fmt.Errorf("get timestamps %s: %w", canonicalID, err)
	}
	return Timestamps{Tracker: fromMillis(tr), RepoLog: fromMillis(rl), Docs: fromMillis(dc)}, nil
}

const selectColumns = `canonical_id, project, title, description, status, priority,
    tracker_id, repolog_id, docs_id,
    tracker_modified_at, repolog_modified_at, docs_modified_at,
    tracker_status, repolog_status, docs_status,
    parent_canonical, parent_repolog_id, deleted_scope`

func scanRow(scan func(...interface{}) error) (*SyncState, error) {
	var row SyncState
	var tr, rl, dc int64
	err := scan(
		&row.CanonicalID, &row.Project, &row.Title, &row.Description, &row.Status, &row.Priority,
		&row.TrackerID, &row.RepoLogID, &row.DocsID,
		&tr, &rl, &dc,
		&row.TrackerStatus, &row.RepoLogStatus, &row.DocsStatus,
		&row.ParentCanonical, &row.ParentRepoLogID, &row.DeletedScope,
	)
	if err != nil {
		return nil, err
	}
	row.TrackerModifiedAt = fromMillis(tr)
	row.RepoLogModifiedAt = fromMillis(rl)
	row.DocsModifiedAt = fromMillis(dc)
	return &row, nil
}

// GetState returns the row for canonicalID, or nil when absent.
func (s *Store) GetState(ctx context.Context, canonicalID string) (*SyncState, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sync_state WHERE canonical_id = ?`, canonicalID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", canonicalID, err)
	}
	return row, nil
}

// GetStateBatch returns the rows for the given ids; absent ids are simply
// missing from the map.
func (s *Store) GetStateBatch(ctx context.Context, canonicalIDs []string) (map[string]*SyncState, error) {
	out := make(map[string]*SyncState, len(canonicalIDs))
	if len(canonicalIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(canonicalIDs)), ",")
	args := make([]interface{}, len(canonicalIDs))
	for i, id := range canonicalIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM sync_state WHERE canonical_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get state batch: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		row, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("get state batch: %w", err)
		}
		out[row.CanonicalID] = row
	}
	return out, rows.Err()
}

// ListByProject returns every row belonging to the project, ordered by id.
func (s *Store) ListByProject(ctx context.Context, project string) ([]*SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM sync_state WHERE project = ? ORDER BY canonical_id`, project)
	if err != nil {
		return nil, fmt.Errorf("list by project %s: %w", project, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*SyncState
	for rows.Next() {
		row, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list by project %s: %w", project, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkDeleted flags a row whose remote disappeared. scope records which
// system vanished ("repolog", "tracker", ...).
func (s *Store) MarkDeleted(ctx context.Context, canonicalID, scope string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET deleted_scope = ?, updated_at = ? WHERE canonical_id = ?`,
		scope, millis(time.Now().UTC()), canonicalID)
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", canonicalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return adapters.NotFoundErrorf("mark deleted: no row for %s", canonicalID)
	}
	return nil
}

// HardDelete removes a row entirely.
func (s *Store) HardDelete(ctx context.Context, canonicalID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE canonical_id = ?`, canonicalID); err != nil {
		return fmt.Errorf("hard delete %s: %w", canonicalID, err)
	}
	return nil
}
