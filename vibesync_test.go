package vibesync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync"
	"github.com/vibeflow/vibesync/internal/testutil"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	st, err := vibesync.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	row, err := st.GetState(ctx, "ACME-1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestNewEngineSyncsThroughFacade(t *testing.T) {
	ctx := context.Background()
	st, err := vibesync.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	tracker := testutil.NewFakeTracker()
	repoLog := testutil.NewFakeRepoLog()
	docs := testutil.NewFakeDocs()
	tracker.Seed(&vibesync.WorkItem{
		ID: "ACME-1", Identifier: "ACME-1", Title: "Facade test", Status: "Todo",
	})

	eng := vibesync.NewEngine(tracker, repoLog, docs, st)
	res, err := eng.Sync(ctx, vibesync.SyncInput{
		Source: vibesync.SystemTracker,
		Item:   vibesync.WorkItem{ID: "ACME-1", Identifier: "ACME-1", Title: "Facade test", Status: "Todo"},
		Context: vibesync.SyncContext{Project: "ACME"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}
