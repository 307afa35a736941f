package repolog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/types"
)

func newTestAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	a := New(nil, nil)
	t.Cleanup(func() { _ = a.Close() })
	repoPath := t.TempDir()
	require.NoError(t, a.Init(context.Background(), repoPath, "ACME"))
	return a, repoPath
}

func TestInitIsIdempotent(t *testing.T) {
	a, repoPath := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Upsert(ctx, repoPath, &types.WorkItem{Title: "Keep me"})
	require.NoError(t, err)

	require.NoError(t, a.Init(ctx, repoPath, "ACME"))
	items, err := a.ListIssues(ctx, repoPath)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestUpsertCreatesAndUpdates(t *testing.T) {
	a, repoPath := newTestAdapter(t)
	ctx := context.Background()

	created, err := a.Upsert(ctx, repoPath, &types.WorkItem{
		Title:  "Fix pump",
		Labels: []string{"tracker:ACME-7"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "open", created.Status)

	updated, err := a.Upsert(ctx, repoPath, &types.WorkItem{
		ID:     created.ID,
		Status: "in_progress",
	})
	require.NoError(t, err)
	assert.Equal(t, "Fix pump", updated.Title)
	assert.Equal(t, "in_progress", updated.Status)
	assert.Contains(t, updated.Labels, "tracker:ACME-7")
	assert.True(t, updated.ModifiedAt.After(created.CreatedAt) || updated.ModifiedAt.Equal(created.CreatedAt))
}

func TestUpsertMatchesByTrackerLabel(t *testing.T) {
	a, repoPath := newTestAdapter(t)
	ctx := context.Background()

	created, err := a.Upsert(ctx, repoPath, &types.WorkItem{
		Title:  "Fix pump",
		Labels: []string{"tracker:ACME-9"},
	})
	require.NoError(t, err)

	// No id, same label: must update the existing issue, not create another.
	linked, err := a.Upsert(ctx, repoPath, &types.WorkItem{
		Title:  "Fix pump (renamed)",
		Labels: []string{"tracker:ACME-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, linked.ID)

	items, err := a.ListIssues(ctx, repoPath)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGetIssueNotFound(t *testing.T) {
	a, repoPath := newTestAdapter(t)
	_, err := a.GetIssue(context.Background(), "rl-nope", repoPath)
	require.Error(t, err)
	assert.True(t, adapters.IsNotFound(err))
}

func TestOpenWithoutInitFails(t *testing.T) {
	a := New(nil, nil)
	t.Cleanup(func() { _ = a.Close() })
	_, err := a.ListIssues(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, adapters.IsNotFound(err))
}

func TestResolveRepoPathOverrideWins(t *testing.T) {
	lookup := func(ctx context.Context, project string) (*types.Project, error) {
		return &types.Project{
			Identifier:  project,
			Description: "Filesystem: /from/description",
		}, nil
	}
	a := New(map[string]string{"ACME": "/from/override"}, lookup)
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	path, err := a.ResolveRepoPath(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "/from/override", path)

	path, err = a.ResolveRepoPath(ctx, "OTHER")
	require.NoError(t, err)
	assert.Equal(t, "/from/description", path)
}

func TestResolveRepoPathMissing(t *testing.T) {
	a := New(nil, nil)
	t.Cleanup(func() { _ = a.Close() })
	_, err := a.ResolveRepoPath(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, adapters.IsNotFound(err))
}

func TestCommitOutsideGitIsNoop(t *testing.T) {
	a, repoPath := newTestAdapter(t)
	require.NoError(t, a.Commit(context.Background(), repoPath, "Sync from tracker: x"))
}
