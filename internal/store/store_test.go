package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync/internal/adapters"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := &SyncState{
		CanonicalID:       "ACME-7",
		Project:           "ACME",
		Title:             "Fix login",
		Status:            "In Progress",
		TrackerID:         "ACME-7",
		TrackerModifiedAt: time.UnixMilli(100000),
		TrackerStatus:     "In Progress",
	}
	require.NoError(t, s.Upsert(ctx, row))

	got, err := s.GetState(ctx, "ACME-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fix login", got.Title)
	assert.Equal(t, time.UnixMilli(100000).UTC(), got.TrackerModifiedAt)

	missing, err := s.GetState(ctx, "ACME-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertRejectsNonCanonicalID(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(context.Background(), &SyncState{CanonicalID: "not an id"})
	require.Error(t, err)
	assert.True(t, adapters.IsNonRetryable(err))
}

func TestUpsertMergesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &SyncState{
		CanonicalID: "ACME-1", Project: "ACME",
		Title: "Original", RepoLogID: "rl-1",
	}))
	// Second write omits title and repolog id: both must survive.
	require.NoError(t, s.Upsert(ctx, &SyncState{
		CanonicalID: "ACME-1", Project: "ACME",
		DocsID: "docs-9",
	}))

	got, err := s.GetState(ctx, "ACME-1")
	require.NoError(t, err)
	assert.Equal(t, "Original", got.Title)
	assert.Equal(t, "rl-1", got.RepoLogID)
	assert.Equal(t, "docs-9", got.DocsID)
}

func TestTimestampsAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &SyncState{
		CanonicalID: "ACME-2", Project: "ACME",
		TrackerModifiedAt: time.UnixMilli(200000),
		TrackerStatus:     "Done",
	}))
	// Older write: timestamp and status must not regress.
	require.NoError(t, s.Upsert(ctx, &SyncState{
		CanonicalID: "ACME-2", Project: "ACME",
		TrackerModifiedAt: time.UnixMilli(100000),
		TrackerStatus:     "Backlog",
	}))

	ts, err := s.GetTimestamps(ctx, "ACME-2")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(200000).UTC(), ts.Tracker)

	got, err := s.GetState(ctx, "ACME-2")
	require.NoError(t, err)
	assert.Equal(t, "Done", got.TrackerStatus)
}

func TestGetTimestampsMissingRow(t *testing.T) {
	s := newTestStore(t)
	ts, err := s.GetTimestamps(context.Background(), "ACME-999")
	require.NoError(t, err)
	assert.True(t, ts.Tracker.IsZero())
	assert.True(t, ts.RepoLog.IsZero())
	assert.True(t, ts.Docs.IsZero())
}

func TestUpsertBatchAndGetStateBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []*SyncState{
		{CanonicalID: "ACME-1", Project: "ACME", Title: "one"},
		{CanonicalID: "ACME-2", Project: "ACME", Title: "two"},
		{CanonicalID: "ACME-3", Project: "ACME", Title: "three"},
	}
	require.NoError(t, s.UpsertBatch(ctx, rows))

	got, err := s.GetStateBatch(ctx, []string{"ACME-1", "ACME-3", "ACME-404"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "three", got["ACME-3"].Title)
}

func TestUpsertBatchAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertBatch(ctx, []*SyncState{
		{CanonicalID: "ACME-1", Project: "ACME", Title: "ok"},
		{CanonicalID: "bogus", Project: "ACME"},
	})
	require.Error(t, err)

	got, err := s.GetState(ctx, "ACME-1")
	require.NoError(t, err)
	assert.Nil(t, got, "failed batch must not leave partial rows")
}

func TestListByProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, []*SyncState{
		{CanonicalID: "ACME-2", Project: "ACME"},
		{CanonicalID: "ACME-1", Project: "ACME"},
		{CanonicalID: "OTHER-1", Project: "OTHER"},
	}))

	rows, err := s.ListByProject(ctx, "ACME")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ACME-1", rows[0].CanonicalID)
}

func TestMarkDeletedAndHardDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &SyncState{CanonicalID: "ACME-5", Project: "ACME"}))
	require.NoError(t, s.MarkDeleted(ctx, "ACME-5", "repolog"))

	got, err := s.GetState(ctx, "ACME-5")
	require.NoError(t, err)
	assert.Equal(t, "repolog", got.DeletedScope)

	assert.True(t, adapters.IsNotFound(s.MarkDeleted(ctx, "ACME-404", "repolog")))

	require.NoError(t, s.HardDelete(ctx, "ACME-5"))
	got, err = s.GetState(ctx, "ACME-5")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDocsPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	page := &DocsPage{
		PageID:      "p-1",
		BookSlug:    "handbook",
		Project:     "ACME",
		LocalPath:   "handbook/intro.md",
		ContentHash: "abc",
		RemoteHash:  "abc",
	}
	require.NoError(t, s.UpsertPage(ctx, page))

	byPath, err := s.GetPageByPath(ctx, "ACME", "handbook/intro.md")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, "p-1", byPath.PageID)
	assert.Equal(t, PageSynced, byPath.SyncStatus)

	page.SyncStatus = PageDeletedRemote
	page.SyncDirection = DirectionExport
	require.NoError(t, s.UpsertPage(ctx, page))

	byID, err := s.GetPage(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, PageDeletedRemote, byID.SyncStatus)
	assert.Equal(t, DirectionExport, byID.SyncDirection)

	all, err := s.GetPagesByProject(ctx, "ACME")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeletePage(ctx, "p-1"))
	gone, err := s.GetPage(ctx, "p-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestLastExportWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetLastExport(ctx, "ACME")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	mark := time.UnixMilli(123456789)
	require.NoError(t, s.SetLastExport(ctx, "ACME", mark))
	got, err = s.GetLastExport(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, mark.UTC(), got)
}
