// Package vibesync provides a minimal public API for embedding the sync
// engine in other Go programs.
//
// Most integrations should run the vibesync server and talk to its control
// API. This package exports only the essential types needed to drive a sync
// programmatically: the capability interfaces, the core work-item model, the
// SyncState store and the single-item engine.
package vibesync

import (
	"context"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/engine"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/types"
)

// Core types for working with mirrored items.
type (
	WorkItem    = types.WorkItem
	Project     = types.Project
	SyncState   = store.SyncState
	SyncContext = types.SyncContext
	System      = types.System
)

// Mirror systems.
const (
	SystemTracker = types.SystemTracker
	SystemRepoLog = types.SystemRepoLog
	SystemDocs    = types.SystemDocs
)

// Capability interfaces integrations implement or consume.
type (
	TrackerAdapter    = adapters.TrackerAdapter
	RepoLogAdapter    = adapters.RepoLogAdapter
	DocsAdapter       = adapters.DocsAdapter
	MemorySinkAdapter = adapters.MemorySinkAdapter
)

// Store is the persisted sync-state database.
type Store = store.Store

// Engine is the bidirectional single-item sync engine.
type Engine = engine.Engine

// SyncInput and SyncResult are the engine's operation payloads.
type (
	SyncInput  = engine.Input
	SyncResult = engine.Result
)

// Open opens (creating if needed) the SyncState database at path.
// Use ":memory:" for an in-process database.
func Open(ctx context.Context, path string) (*Store, error) {
	return store.Open(ctx, path)
}

// NewEngine builds a sync engine over the given adapters and store.
func NewEngine(tracker TrackerAdapter, repoLog RepoLogAdapter, docs DocsAdapter, st *Store) *Engine {
	return engine.New(tracker, repoLog, docs, st)
}
