package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/testutil"
	"github.com/vibeflow/vibesync/internal/types"
)

type fixture struct {
	tracker *testutil.FakeTracker
	repoLog *testutil.FakeRepoLog
	docs    *testutil.FakeDocs
	store   *store.Store
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		tracker: testutil.NewFakeTracker(),
		repoLog: testutil.NewFakeRepoLog(),
		docs:    testutil.NewFakeDocs(),
		store:   st,
	}
	f.engine = New(f.tracker, f.repoLog, f.docs, st)
	return f
}

func seedState(t *testing.T, f *fixture, row *store.SyncState) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), row))
}

func TestConflictDocsNewerDropsIncoming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedState(t, f, &store.SyncState{
		CanonicalID:       "ACME-7",
		Project:           "ACME",
		TrackerID:         "ACME-7",
		DocsID:            "task-docs",
		TrackerModifiedAt: time.UnixMilli(100000),
		DocsModifiedAt:    time.UnixMilli(105000),
	})
	f.docs.SeedTask(&types.WorkItem{ID: "task-docs", Title: "Newer", ModifiedAt: time.UnixMilli(105000)})

	res, err := f.engine.Sync(ctx, Input{
		Source: types.SystemTracker,
		Item: types.WorkItem{
			ID:         "ACME-7",
			Identifier: "ACME-7",
			Title:      "Stale tracker edit",
			Status:     "Todo",
			ModifiedAt: time.UnixMilli(100500),
		},
		Context:   types.SyncContext{Project: "ACME"},
		LinkedIDs: types.LinkedIDs{TrackerID: "ACME-7", DocsID: "task-docs"},
	})
	require.NoError(t, err)

	assert.False(t, res.Conflict.SourceWins)
	assert.Equal(t, types.SystemDocs, res.Conflict.Winner)
	assert.Equal(t, time.UnixMilli(105000).UTC(), res.Conflict.WinnerTimestamp.UTC())
	assert.True(t, res.Skipped)
	assert.Empty(t, f.docs.UpdateTaskCalls)

	// Losing the check must not persist new timestamps.
	ts, err := f.store.GetTimestamps(ctx, "ACME-7")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(100000).UTC(), ts.Tracker)
}

func TestFastPathSkipsLiveProbes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedState(t, f, &store.SyncState{
		CanonicalID:       "ACME-7",
		Project:           "ACME",
		TrackerID:         "ACME-7",
		DocsID:            "task-docs",
		TrackerModifiedAt: time.UnixMilli(100000),
		DocsModifiedAt:    time.UnixMilli(100000),
	})
	f.docs.SeedTask(&types.WorkItem{ID: "task-docs", Title: "Old"})

	res, err := f.engine.Sync(ctx, Input{
		Source: types.SystemTracker,
		Item: types.WorkItem{
			ID:         "ACME-7",
			Identifier: "ACME-7",
			Title:      "Fresh edit",
			Status:     "In Progress",
			ModifiedAt: time.UnixMilli(101500),
		},
		Context:   types.SyncContext{Project: "ACME"},
		LinkedIDs: types.LinkedIDs{TrackerID: "ACME-7", DocsID: "task-docs"},
	})
	require.NoError(t, err)

	assert.True(t, res.Conflict.SourceWins)
	assert.True(t, res.Conflict.FastPath)
	// No live probe of the Docs side.
	assert.Empty(t, f.docs.GetTaskCalls)
	// Propagation did run.
	assert.Equal(t, []string{"task-docs"}, f.docs.UpdateTaskCalls)

	ts, err := f.store.GetTimestamps(ctx, "ACME-7")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(101500).UTC(), ts.Tracker)
}

func TestWithinToleranceSourceStillWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedState(t, f, &store.SyncState{
		CanonicalID:    "ACME-9",
		Project:        "ACME",
		TrackerID:      "ACME-9",
		DocsID:         "task-9",
		DocsModifiedAt: time.UnixMilli(100800),
	})
	// Live Docs timestamp 800ms ahead of the incoming change: concurrent.
	f.docs.SeedTask(&types.WorkItem{ID: "task-9", ModifiedAt: time.UnixMilli(100800)})

	check, err := f.engine.CheckConflict(ctx, Input{
		Source: types.SystemTracker,
		Item: types.WorkItem{
			Identifier: "ACME-9",
			ModifiedAt: time.UnixMilli(100000),
		},
		LinkedIDs: types.LinkedIDs{TrackerID: "ACME-9", DocsID: "task-9"},
	})
	require.NoError(t, err)
	assert.True(t, check.SourceWins)
	assert.False(t, check.FastPath)
	assert.Equal(t, []string{"task-9"}, f.docs.GetTaskCalls)
}

func TestNoCounterpartShortCircuits(t *testing.T) {
	f := newFixture(t)
	check, err := f.engine.CheckConflict(context.Background(), Input{
		Source:    types.SystemTracker,
		Item:      types.WorkItem{Identifier: "ACME-1", ModifiedAt: time.UnixMilli(5000)},
		LinkedIDs: types.LinkedIDs{TrackerID: "ACME-1"},
	})
	require.NoError(t, err)
	assert.True(t, check.SourceWins)
}

func TestProbeErrorResolvesAsSourceWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedState(t, f, &store.SyncState{
		CanonicalID:    "ACME-3",
		Project:        "ACME",
		TrackerID:      "ACME-3",
		DocsID:         "task-3",
		DocsModifiedAt: time.UnixMilli(200000),
	})
	f.docs.Errs["GetTask"] = errors.New("docs is down")

	check, err := f.engine.CheckConflict(ctx, Input{
		Source:    types.SystemTracker,
		Item:      types.WorkItem{Identifier: "ACME-3", ModifiedAt: time.UnixMilli(100000)},
		LinkedIDs: types.LinkedIDs{TrackerID: "ACME-3", DocsID: "task-3"},
	})
	require.NoError(t, err)
	assert.True(t, check.SourceWins)
}

func TestRankGuardRejectsRegression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedState(t, f, &store.SyncState{
		CanonicalID:       "ACME-5",
		Project:           "ACME",
		TrackerID:         "ACME-5",
		RepoLogID:         "rl-5",
		Status:            "In Progress",
		TrackerStatus:     "In Progress",
		TrackerModifiedAt: time.UnixMilli(50000),
	})
	f.tracker.Seed(&types.WorkItem{ID: "ACME-5", Identifier: "ACME-5", Status: "In Progress"})

	// A RepoLog event mapping to Backlog (rank 0) against stored rank 2.
	res, err := f.engine.Sync(ctx, Input{
		Source: types.SystemRepoLog,
		Item: types.WorkItem{
			ID:         "rl-5",
			Title:      "Stale open event",
			Status:     "deferred", // maps to Backlog
			ModifiedAt: time.UnixMilli(60000),
		},
		Context:   types.SyncContext{Project: "ACME"},
		LinkedIDs: types.LinkedIDs{TrackerID: "ACME-5", RepoLogID: "rl-5"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	// Tracker was updated (title) but its status was not regressed.
	require.Len(t, f.tracker.UpdateCalls, 1)
	got, err := f.tracker.GetIssue(ctx, "ACME-5")
	require.NoError(t, err)
	assert.Equal(t, "In Progress", got.Status)
	assert.Equal(t, "Stale open event", got.Title)
}

func TestPropagationFromTrackerReachesBothTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Sync(ctx, Input{
		Source: types.SystemTracker,
		Item: types.WorkItem{
			ID:         "ACME-11",
			Identifier: "ACME-11",
			Title:      "Wire the pump",
			Status:     "In Review",
			Priority:   "High",
			ModifiedAt: time.UnixMilli(500000),
		},
		Context: types.SyncContext{Project: "ACME", RepoPath: "/work/acme"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.ElementsMatch(t, []types.System{types.SystemDocs, types.SystemRepoLog}, res.Propagated)

	// Docs got a new task carrying the back-reference.
	require.Len(t, f.docs.CreateTaskCalls, 1)
	task := f.docs.Tasks[f.docs.CreateTaskCalls[0]]
	assert.Equal(t, "inreview", task.Status)
	assert.Equal(t, "ACME-11", types.ExtractTrackerRef(task.Description))

	// RepoLog got an upsert plus a commit.
	require.Len(t, f.repoLog.UpsertCalls, 1)
	require.Equal(t, []string{"Sync from tracker: Wire the pump"}, f.repoLog.Commits)
	item := f.repoLog.Repos["/work/acme"][f.repoLog.UpsertCalls[0]]
	assert.Equal(t, "in_progress", item.Status)
	assert.Contains(t, item.Labels, "tracker:ACME-11")

	// SyncState row created under the canonical id.
	row, err := f.store.GetState(ctx, "ACME-11")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, time.UnixMilli(500000).UTC(), row.TrackerModifiedAt)
	assert.Equal(t, "In Review", row.TrackerStatus)
	assert.NotEmpty(t, row.RepoLogID)
	assert.NotEmpty(t, row.DocsID)
}

func TestTargetFailureDoesNotPoisonOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.docs.Errs["EnsureProject"] = errors.New("docs down")

	res, err := f.engine.Sync(ctx, Input{
		Source: types.SystemTracker,
		Item: types.WorkItem{
			Identifier: "ACME-12",
			Title:      "Survive docs outage",
			Status:     "Todo",
			ModifiedAt: time.UnixMilli(700000),
		},
		Context: types.SyncContext{Project: "ACME", RepoPath: "/work/acme"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.TargetErrors, types.SystemDocs)
	assert.Equal(t, []types.System{types.SystemRepoLog}, res.Propagated)
	require.Len(t, f.repoLog.Commits, 1)
}

func TestPersistenceIdentifierFromDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Sync(ctx, Input{
		Source: types.SystemDocs,
		Item: types.WorkItem{
			ID:          "task-77",
			Title:       "Doc-side edit",
			Description: "Details here.\n\nSynced from Tracker: ACME-77",
			Status:      "done",
			ModifiedAt:  time.UnixMilli(900000),
		},
		Context: types.SyncContext{Project: "ACME"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "ACME-77", res.TrackerID)

	row, err := f.store.GetState(ctx, "ACME-77")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, time.UnixMilli(900000).UTC(), row.DocsModifiedAt)
	assert.Equal(t, "done", row.DocsStatus)
}

func TestRepoLogRoundTripPreservesTrackerStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Tracker -> RepoLog.
	_, err := f.engine.Sync(ctx, Input{
		Source: types.SystemTracker,
		Item: types.WorkItem{
			Identifier: "ACME-20",
			Title:      "Round trip",
			Status:     "In Progress",
			ModifiedAt: time.UnixMilli(100000),
		},
		Context: types.SyncContext{Project: "ACME", RepoPath: "/work/acme"},
	})
	require.NoError(t, err)

	row, err := f.store.GetState(ctx, "ACME-20")
	require.NoError(t, err)
	require.NotNil(t, row)
	stored := f.repoLog.Repos["/work/acme"][row.RepoLogID]
	require.NotNil(t, stored)

	f.tracker.Seed(&types.WorkItem{ID: "ACME-20", Identifier: "ACME-20", Status: "In Progress", Title: "Round trip"})

	// RepoLog -> Tracker with no intervening edit.
	_, err = f.engine.Sync(ctx, Input{
		Source: types.SystemRepoLog,
		Item: types.WorkItem{
			ID:         stored.ID,
			Title:      stored.Title,
			Status:     stored.Status,
			Labels:     stored.Labels,
			ModifiedAt: time.UnixMilli(102000),
		},
		Context:   types.SyncContext{Project: "ACME", RepoPath: "/work/acme"},
		LinkedIDs: types.LinkedIDs{TrackerID: "ACME-20", RepoLogID: stored.ID},
	})
	require.NoError(t, err)

	got, err := f.tracker.GetIssue(ctx, "ACME-20")
	require.NoError(t, err)
	assert.Equal(t, "In Progress", got.Status)
}
