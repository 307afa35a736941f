package store

const schema = `
-- Sync state, one row per canonical work item.
-- Timestamps are unix milliseconds; 0 means "never observed".
CREATE TABLE IF NOT EXISTS sync_state (
    canonical_id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT '',
    tracker_id TEXT NOT NULL DEFAULT '',
    repolog_id TEXT NOT NULL DEFAULT '',
    docs_id TEXT NOT NULL DEFAULT '',
    tracker_modified_at INTEGER NOT NULL DEFAULT 0,
    repolog_modified_at INTEGER NOT NULL DEFAULT 0,
    docs_modified_at INTEGER NOT NULL DEFAULT 0,
    tracker_status TEXT NOT NULL DEFAULT '',
    repolog_status TEXT NOT NULL DEFAULT '',
    docs_status TEXT NOT NULL DEFAULT '',
    parent_canonical TEXT NOT NULL DEFAULT '',
    parent_repolog_id TEXT NOT NULL DEFAULT '',
    deleted_scope TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_state_project ON sync_state(project);
CREATE INDEX IF NOT EXISTS idx_sync_state_repolog_id ON sync_state(repolog_id) WHERE repolog_id != '';

-- Docs mirror pages, one row per tracked remote page.
CREATE TABLE IF NOT EXISTS docs_pages (
    page_id TEXT PRIMARY KEY,
    book_slug TEXT NOT NULL,
    chapter_id TEXT NOT NULL DEFAULT '',
    project TEXT NOT NULL,
    local_path TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    remote_hash TEXT NOT NULL DEFAULT '',
    local_modified_at INTEGER NOT NULL DEFAULT 0,
    remote_modified_at INTEGER NOT NULL DEFAULT 0,
    last_export_at INTEGER NOT NULL DEFAULT 0,
    last_import_at INTEGER NOT NULL DEFAULT 0,
    sync_direction TEXT NOT NULL DEFAULT '',
    sync_status TEXT NOT NULL DEFAULT 'synced',
    UNIQUE(project, local_path)
);

CREATE INDEX IF NOT EXISTS idx_docs_pages_project ON docs_pages(project);

-- Per-project mirror bookkeeping.
CREATE TABLE IF NOT EXISTS mirror_meta (
    project TEXT PRIMARY KEY,
    last_export_at INTEGER NOT NULL DEFAULT 0
);
`
