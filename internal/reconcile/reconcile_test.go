package reconcile

import (
	"context"
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
	store   *store.Store
	runtime *workflow.Runtime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		tracker: testutil.NewFakeTracker(),
		repoLog: testutil.NewFakeRepoLog(),
		store:   st,
		runtime: workflow.NewRuntime("test-queue"),
	}
	r := &Reconciler{Tracker: h.tracker, RepoLog: h.repoLog, Store: st}
	r.Register(h.runtime)
	return h
}

// seed stores one live and one stale row for ACME.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h.repoLog.Paths["ACME"] = "/repo/acme"
	h.repoLog.Seed("/repo/acme", &types.WorkItem{ID: "rl-live", Title: "Still here", Status: "open"})

	require.NoError(t, h.store.Upsert(ctx, &store.SyncState{
		CanonicalID: "ACME-1", Project: "ACME",
		TrackerID: "ACME-1", RepoLogID: "rl-live",
	}))
	require.NoError(t, h.store.Upsert(ctx, &store.SyncState{
		CanonicalID: "ACME-2", Project: "ACME",
		TrackerID: "ACME-2", RepoLogID: "rl-gone",
	}))
}

func (h *harness) run(t *testing.T, in Input) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := h.runtime.Execute(ctx, WorkflowName, "", in)
	require.NoError(t, err)
	return out.(*Result)
}

func TestMarkDeletedFlagsStaleRows(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	res := h.run(t, Input{Project: "ACME", Action: ActionMarkDeleted})
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 1, res.MarkDeleted)
	assert.Equal(t, []string{"ACME-2"}, res.StaleIDs)
	assert.Empty(t, res.Errors)

	row, err := h.store.GetState(context.Background(), "ACME-2")
	require.NoError(t, err)
	assert.Equal(t, "repolog", row.DeletedScope)

	live, err := h.store.GetState(context.Background(), "ACME-1")
	require.NoError(t, err)
	assert.Empty(t, live.DeletedScope)
}

func TestHardDeleteRemovesStaleRows(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	res := h.run(t, Input{Project: "ACME", Action: ActionHardDelete})
	assert.Equal(t, 1, res.HardDeleted)

	row, err := h.store.GetState(context.Background(), "ACME-2")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestDryRunPerformsNoWrites(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	res := h.run(t, Input{Project: "ACME", Action: ActionHardDelete, DryRun: true})
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, []string{"ACME-2"}, res.StaleIDs)
	assert.Equal(t, 0, res.MarkDeleted)
	assert.Equal(t, 0, res.HardDeleted)

	// Both rows untouched.
	row, err := h.store.GetState(context.Background(), "ACME-2")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Empty(t, row.DeletedScope)
}

func TestSweepSkipsAlreadyMarkedRows(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	require.NoError(t, h.store.MarkDeleted(context.Background(), "ACME-2", "repolog"))

	res := h.run(t, Input{Project: "ACME"})
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 0, res.Stale)
}

func TestSweepSkipsProjectsWithoutRepoPath(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Upsert(context.Background(), &store.SyncState{
		CanonicalID: "NOPE-1", Project: "NOPE",
		TrackerID: "NOPE-1", RepoLogID: "rl-x",
	}))

	res := h.run(t, Input{Project: "NOPE"})
	assert.Equal(t, 0, res.Checked)
	assert.Equal(t, 0, res.Stale)
	assert.Empty(t, res.Errors)
}

func TestSweepAllProjectsUsesTrackerList(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.tracker.Projects = []types.Project{{Identifier: "ACME"}}

	res := h.run(t, Input{})
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Stale)
}

func TestInvalidActionRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.runtime.Execute(ctx, WorkflowName, "", Input{Action: "obliterate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid action")
}

func TestScheduledSweepRunsBoundedIterations(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.tracker.Projects = []types.Project{{Identifier: "ACME"}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out, err := h.runtime.Execute(ctx, ScheduledWorkflowName, "", ScheduleInput{
		Interval:      10 * time.Millisecond,
		MaxIterations: 2,
		Sweep:         Input{Project: "ACME", DryRun: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(int))
}
