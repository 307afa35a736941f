package projectsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/testutil"
	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/workflow"
)

type harness struct {
	tracker *testutil.FakeTracker
	repoLog *testutil.FakeRepoLog
	docs    *testutil.FakeDocs
	store   *store.Store
	runtime *workflow.Runtime
}

// newHarness wires a pipeline. withDocs=false leaves the Docs peer out,
// disabling phases 1, 2 and 3c.
func newHarness(t *testing.T, withDocs bool) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		tracker: testutil.NewFakeTracker(),
		repoLog: testutil.NewFakeRepoLog(),
		docs:    testutil.NewFakeDocs(),
		store:   st,
		runtime: workflow.NewRuntime("test-queue"),
	}
	p := &Pipeline{
		Tracker: h.tracker,
		RepoLog: h.repoLog,
		Store:   st,
	}
	if withDocs {
		p.Docs = h.docs
	}
	p.Register(h.runtime)
	return h
}

func (h *harness) run(t *testing.T, in Input) (*Result, *workflow.Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	run, err := h.runtime.Start(ctx, WorkflowName, "", in)
	require.NoError(t, err)
	out, err := run.Result(ctx)
	require.NoError(t, err)
	return out.(*Result), run
}

func seedTrackerIssues(h *harness, project string, n int) {
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-%d", project, i)
		h.tracker.Seed(&types.WorkItem{
			ID:         id,
			Identifier: id,
			Title:      fmt.Sprintf("Task number %d", i),
			Status:     "Todo",
			ModifiedAt: time.Now().UTC(),
		})
	}
}

func TestContinueAsNewAtHundredItems(t *testing.T) {
	h := newHarness(t, false)
	h.repoLog.Paths["ACME"] = "/repo/acme"
	seedTrackerIssues(h, "ACME", 250)

	res, run := h.run(t, Input{Project: "ACME", BatchSize: 5})

	// 250 items at a 100-per-run cap: three runs (100, 100, 50).
	assert.Equal(t, 3, res.Runs)
	assert.Equal(t, 2, run.Info().Continuations)
	assert.Equal(t, 250, res.Phase3.Synced)
	assert.Equal(t, 250, res.Phase3.Created)
	assert.True(t, res.Success)

	// Every item mirrored and persisted.
	items, err := h.repoLog.ListIssues(context.Background(), "/repo/acme")
	require.NoError(t, err)
	assert.Len(t, items, 250)
	rows, err := h.store.ListByProject(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Len(t, rows, 250)
}

func TestPipelineIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	h.repoLog.Paths["ACME"] = "/repo/acme"
	seedTrackerIssues(h, "ACME", 8)

	first, _ := h.run(t, Input{Project: "ACME"})
	assert.Equal(t, 8, first.Phase3.Created)

	second, _ := h.run(t, Input{Project: "ACME"})
	assert.Equal(t, 0, second.Phase3.Created)
	assert.Equal(t, 0, second.Phase3.Synced)
	assert.Equal(t, 8, second.Phase3.Skipped)
	assert.Equal(t, 1, second.Runs)

	items, err := h.repoLog.ListIssues(context.Background(), "/repo/acme")
	require.NoError(t, err)
	assert.Len(t, items, 8)
}

func TestPhase1CreatesDocsTasksWithBackReference(t *testing.T) {
	h := newHarness(t, true)
	seedTrackerIssues(h, "ACME", 3)

	res, _ := h.run(t, Input{Project: "ACME"})
	assert.Equal(t, 3, res.Phase1.Created)
	assert.True(t, res.Success)

	require.Len(t, h.docs.CreateTaskCalls, 3)
	task := h.docs.Tasks[h.docs.CreateTaskCalls[0]]
	assert.Contains(t, task.Description, "Synced from Tracker: ACME-1")
	assert.Equal(t, "todo", task.Status)
}

func TestPhase2PullsDocsEditsBack(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	// Tracker and task already agree, so phase1 skips the task and phase2
	// gets to compare it against the stale stored row.
	h.tracker.Seed(&types.WorkItem{
		ID: "ACME-1", Identifier: "ACME-1",
		Title: "Renamed on docs side", Status: "In Progress",
		ModifiedAt: time.Now().UTC(),
	})
	h.docs.SeedTask(&types.WorkItem{
		ID:          "task-1",
		Title:       "Renamed on docs side",
		Description: "Synced from Tracker: ACME-1",
		Status:      "inprogress",
		ModifiedAt:  time.Now().UTC(),
	})
	require.NoError(t, h.store.Upsert(ctx, &store.SyncState{
		CanonicalID: "ACME-1", Project: "ACME",
		Title: "Original", Status: "In Progress",
		TrackerID: "ACME-1", DocsID: "task-1",
	}))

	res, _ := h.run(t, Input{Project: "ACME"})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Phase2.Synced)
	assert.Contains(t, h.tracker.UpdateCalls, "ACME-1")

	row, err := h.store.GetState(ctx, "ACME-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed on docs side", row.Title)
}

func TestPhase2RankGuardKeepsStatus(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	// Docs task regressed to todo while the stored status is In Progress.
	// The tracker issue matches the task, so phase1 skips it and phase2 sees
	// the regression.
	h.docs.SeedTask(&types.WorkItem{
		ID:          "task-2",
		Title:       "Guarded item",
		Description: "Synced from Tracker: ACME-5",
		Status:      "todo",
		ModifiedAt:  time.Now().UTC(),
	})
	h.tracker.Seed(&types.WorkItem{
		ID: "ACME-5", Identifier: "ACME-5",
		Title: "Guarded item", Status: "Todo",
		ModifiedAt: time.Now().UTC(),
	})
	require.NoError(t, h.store.Upsert(ctx, &store.SyncState{
		CanonicalID: "ACME-5", Project: "ACME",
		Title: "Guarded item", Status: "In Progress",
		TrackerID: "ACME-5", DocsID: "task-2",
	}))

	res, _ := h.run(t, Input{Project: "ACME"})
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Phase2.Synced)
	assert.Empty(t, h.tracker.UpdateCalls)

	row, err := h.store.GetState(ctx, "ACME-5")
	require.NoError(t, err)
	assert.Equal(t, "In Progress", row.Status)
}

func TestPhase3DedupesByNormalizedTitle(t *testing.T) {
	h := newHarness(t, false)
	h.repoLog.Paths["ACME"] = "/repo/acme"
	h.tracker.Seed(&types.WorkItem{
		ID: "ACME-1", Identifier: "ACME-1",
		Title: "Fix the Pump", Status: "Todo",
		ModifiedAt: time.Now().UTC(),
	})
	h.tracker.Seed(&types.WorkItem{
		ID: "ACME-2", Identifier: "ACME-2",
		Title: "  fix   the pump ", Status: "Todo",
		ModifiedAt: time.Now().UTC(),
	})

	res, _ := h.run(t, Input{Project: "ACME"})
	assert.True(t, res.Success)

	// Both normalize to the same title; only one mirror exists.
	items, err := h.repoLog.ListIssues(context.Background(), "/repo/acme")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.GreaterOrEqual(t, res.Phase3.Skipped, 1)
}

func TestPhase3AdoptsExistingUnlabelledMirror(t *testing.T) {
	h := newHarness(t, false)
	h.repoLog.Paths["ACME"] = "/repo/acme"
	h.repoLog.Seed("/repo/acme", &types.WorkItem{
		ID:     "rl-7",
		Title:  "Wire the pump",
		Status: "open",
	})
	h.tracker.Seed(&types.WorkItem{
		ID: "ACME-3", Identifier: "ACME-3",
		Title: "Wire the pump", Status: "Todo",
		ModifiedAt: time.Now().UTC(),
	})

	res, _ := h.run(t, Input{Project: "ACME"})
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Phase3.Created)

	items, err := h.repoLog.ListIssues(context.Background(), "/repo/acme")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "rl-7", items[0].ID)
	assert.Contains(t, items[0].Labels, "tracker:ACME-3")
}

func TestPhase3BCreatesTrackerIssuesForLocalItems(t *testing.T) {
	h := newHarness(t, false)
	h.repoLog.Paths["ACME"] = "/repo/acme"
	h.repoLog.Seed("/repo/acme", &types.WorkItem{
		ID:     "rl-local",
		Title:  "Found during refactor",
		Status: "in_progress",
	})

	res, _ := h.run(t, Input{Project: "ACME"})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Phase3B.Created)

	require.Len(t, h.tracker.CreateCalls, 1)
	canonical := h.tracker.CreateCalls[0]
	assert.Equal(t, "In Progress", h.tracker.Issues[canonical].Status)
	assert.Contains(t, h.repoLog.Repos["/repo/acme"]["rl-local"].Labels,
		types.TrackerLabelPrefix+canonical)

	row, err := h.store.GetState(context.Background(), canonical)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "rl-local", row.RepoLogID)
}

func TestWebhookFastPathRaisesBatchFloor(t *testing.T) {
	in := Input{BatchSize: 5, PartialSet: true}
	assert.Equal(t, WebhookMinBatch, in.effectiveBatchSize())

	in = Input{BatchSize: 50, PartialSet: true}
	assert.Equal(t, 50, in.effectiveBatchSize())

	in = Input{}
	assert.Equal(t, DefaultBatchSize, in.effectiveBatchSize())
}

func TestWebhookFastPathDoesNotFullFetch(t *testing.T) {
	h := newHarness(t, false)
	h.repoLog.Paths["ACME"] = "/repo/acme"
	seedTrackerIssues(h, "ACME", 10)

	// Partial set carries a single issue; the other nine must stay alone.
	res, _ := h.run(t, Input{
		Project:    "ACME",
		PartialSet: true,
		PrefetchedIssues: []types.WorkItem{
			*h.tracker.Issues["ACME-4"],
		},
	})
	assert.True(t, res.Success)
	assert.Equal(t, 0, h.tracker.BulkCalls)

	items, err := h.repoLog.ListIssues(context.Background(), "/repo/acme")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPhase1OrdersParentsBeforeChildren(t *testing.T) {
	h := newHarness(t, true)
	now := time.Now().UTC()
	h.tracker.Seed(&types.WorkItem{
		ID: "ACME-2", Identifier: "ACME-2", Parent: "ACME-1",
		Title: "Child task", Status: "Todo", ModifiedAt: now,
	})
	h.tracker.Seed(&types.WorkItem{
		ID: "ACME-1", Identifier: "ACME-1",
		Title: "Parent task", Status: "Todo", ModifiedAt: now,
	})

	res, _ := h.run(t, Input{Project: "ACME"})
	assert.True(t, res.Success)
	require.Len(t, h.docs.CreateTaskCalls, 2)
	first := h.docs.Tasks[h.docs.CreateTaskCalls[0]]
	assert.Equal(t, "Parent task", first.Title)
}

func TestCancellationStopsAtBatchBoundary(t *testing.T) {
	h := newHarness(t, false)
	h.repoLog.Paths["ACME"] = "/repo/acme"
	seedTrackerIssues(h, "ACME", 40)

	ctx := context.Background()
	run, err := h.runtime.Start(ctx, WorkflowName, "cancelled-run", Input{Project: "ACME"})
	require.NoError(t, err)
	run.Cancel()

	wait, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = run.Result(wait)
	if err != nil {
		assert.ErrorIs(t, err, workflow.ErrCancelled)
		assert.Equal(t, workflow.StatusCancelled, run.Info().Status)
	}
	// A fast run may complete before the cancel lands; both outcomes leave
	// the store consistent.
	rows, err := h.store.ListByProject(ctx, "ACME")
	require.NoError(t, err)
	for _, row := range rows {
		assert.NotEmpty(t, row.RepoLogID)
	}
}
