// Package ingest turns external notifications into de-duplicated workflow
// invocations: a file watcher over RepoLog working copies, a reader for the
// Docs change stream, and the Tracker webhook endpoint. Each pipeline paces
// its fan-out and honors cancellation at item boundaries.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/engine"
	"github.com/vibeflow/vibesync/internal/mapper"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// Workflow names registered by this package.
const (
	SyncWorkflow        = "bidirectional-sync"
	RepoLogWorkflow     = "repolog-change"
	DocsStreamWorkflow  = "docs-stream"
	TrackerHookWorkflow = "tracker-webhook"
)

// Pacing between fanned-out items, rate-limiting the adapters.
const (
	ItemPacing    = 200 * time.Millisecond // watcher and stream items
	WebhookPacing = 500 * time.Millisecond // webhook items
)

// Result is the common outcome shape of one ingester run. Success means no
// item-level errors were collected.
type Result struct {
	Processed int
	Synced    int
	Created   int
	Skipped   int
	Errors    []string
}

// Success reports whether the run collected no errors.
func (r *Result) Success() bool { return len(r.Errors) == 0 }

// Workflows bundles the ingester dependencies and registers the workflow
// functions on a runtime.
type Workflows struct {
	Engine  *engine.Engine
	Store   *store.Store
	Tracker adapters.TrackerAdapter
	RepoLog adapters.RepoLogAdapter
	Docs    adapters.DocsAdapter
}

// Register binds all ingester workflows (and the single-item sync they fan
// out to) on the runtime.
func (w *Workflows) Register(rt *workflow.Runtime) {
	rt.Register(SyncWorkflow, w.syncWorkflow)
	rt.Register(RepoLogWorkflow, w.repoLogWorkflow)
	rt.Register(DocsStreamWorkflow, w.docsStreamWorkflow)
	rt.Register(TrackerHookWorkflow, w.webhookWorkflow)
}

// syncWorkflow wraps one engine invocation as a retried activity so ingester
// children and ad-hoc starts share the same retry policy.
func (w *Workflows) syncWorkflow(ctx *workflow.Context, input interface{}) (interface{}, error) {
	in, ok := input.(engine.Input)
	if !ok {
		return nil, adapters.ValidationErrorf("sync workflow: unexpected input %T", input)
	}
	var res *engine.Result
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		res, aerr = w.Engine.Sync(actx, in)
		return aerr
	})
	return res, err
}

// linkedIDsFor assembles the per-system mirror ids for a canonical item from
// its stored row, if any.
func (w *Workflows) linkedIDsFor(ctx context.Context, canonicalID string) (types.LinkedIDs, *store.SyncState, error) {
	row, err := w.Store.GetState(ctx, canonicalID)
	if err != nil || row == nil {
		return types.LinkedIDs{}, nil, err
	}
	return types.LinkedIDs{
		TrackerID: row.TrackerID,
		RepoLogID: row.RepoLogID,
		DocsID:    row.DocsID,
	}, row, nil
}

// repoLogWorkflow handles a file-watcher callback: enumerate the repo's
// issues and push each changed one through the sync engine. Unlabelled
// issues are first adopted into the Tracker; labelled issues without a
// stored baseline are recorded without syncing so history is not replayed.
func (w *Workflows) repoLogWorkflow(ctx *workflow.Context, input interface{}) (interface{}, error) {
	change, ok := input.(types.RepoLogChange)
	if !ok {
		return nil, adapters.ValidationErrorf("repolog workflow: unexpected input %T", input)
	}
	res := &Result{}

	var items []types.WorkItem
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		items, aerr = w.RepoLog.ListIssues(actx, change.RepoPath)
		return aerr
	})
	if err != nil {
		return res, err
	}

	for i, item := range items {
		if ctx.Cancelled() {
			return res, workflow.ErrCancelled
		}
		if i > 0 {
			if err := ctx.Sleep(ItemPacing); err != nil {
				return res, err
			}
		}
		res.Processed++
		if err := w.handleRepoLogItem(ctx, change, item, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.ID, err))
		}
	}
	return res, nil
}

func (w *Workflows) handleRepoLogItem(ctx *workflow.Context, change types.RepoLogChange, item types.WorkItem, res *Result) error {
	refs := types.TrackerRefsFromLabels(item.Labels)

	if len(refs) == 0 {
		return w.adoptRepoLogItem(ctx, change, item, res)
	}
	ref := refs[0]

	linked, row, err := w.linkedIDsFor(ctx, ref)
	if err != nil {
		return err
	}
	if row == nil {
		// First sighting of a labelled issue: record the baseline without
		// syncing so pre-adoption history is not replayed.
		err := ctx.Activity(func(actx context.Context) error {
			return w.Store.Upsert(actx, &store.SyncState{
				CanonicalID:       ref,
				Project:           change.Project,
				Title:             item.Title,
				Description:       item.Description,
				Status:            mapper.RepoLogToTracker(item.Status, item.Labels),
				TrackerID:         ref,
				RepoLogID:         item.ID,
				RepoLogModifiedAt: item.ModifiedAt,
				RepoLogStatus:     item.Status,
			})
		})
		if err != nil {
			return err
		}
		debug.Logf("ingest: baseline recorded for %s (first sighting)\n", ref)
		res.Skipped++
		return nil
	}

	if !repoLogItemChanged(row, item) {
		res.Skipped++
		return nil
	}

	// Rank guard: never regress the stored status via a stale event. The
	// synced counter still advances; the item was handled.
	storedRank := mapper.TrackerRank(row.Status)
	targetRank := mapper.RepoLogRank(item.Status, item.Labels)
	if !mapper.AllowedByRankGuard(storedRank, targetRank) {
		debug.Logf("ingest: rank guard skipped %s (stored %d, target %d)\n", ref, storedRank, targetRank)
		res.Synced++
		return nil
	}

	linked.RepoLogID = item.ID
	_, err = ctx.ExecuteChild(SyncWorkflow, "", engine.Input{
		Source:    types.SystemRepoLog,
		Item:      item,
		Context:   types.SyncContext{Project: change.Project, RepoPath: change.RepoPath},
		LinkedIDs: linked,
	})
	if err != nil {
		return err
	}
	res.Synced++
	return nil
}

// adoptRepoLogItem upserts an unlabelled RepoLog issue into the Tracker and
// records the resulting baseline.
func (w *Workflows) adoptRepoLogItem(ctx *workflow.Context, change types.RepoLogChange, item types.WorkItem, res *Result) error {
	var created *types.WorkItem
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		created, aerr = w.Tracker.CreateIssue(actx, change.Project, &types.WorkItem{
			Title:       item.Title,
			Description: item.Description,
			Status:      mapper.RepoLogToTracker(item.Status, item.Labels),
			Priority:    item.Priority,
		})
		return aerr
	})
	if err != nil {
		return err
	}

	// Label the RepoLog issue with its new canonical identifier so the next
	// pass links instead of re-creating.
	err = ctx.Activity(func(actx context.Context) error {
		_, aerr := w.RepoLog.Upsert(actx, change.RepoPath, &types.WorkItem{
			ID:     item.ID,
			Labels: []string{types.TrackerLabelPrefix + created.Identifier},
		})
		return aerr
	})
	if err != nil {
		return err
	}

	err = ctx.Activity(func(actx context.Context) error {
		return w.Store.Upsert(actx, &store.SyncState{
			CanonicalID:       created.Identifier,
			Project:           change.Project,
			Title:             item.Title,
			Description:       item.Description,
			Status:            mapper.RepoLogToTracker(item.Status, item.Labels),
			TrackerID:         created.Identifier,
			RepoLogID:         item.ID,
			TrackerModifiedAt: created.ModifiedAt,
			TrackerStatus:     created.Status,
			RepoLogModifiedAt: item.ModifiedAt,
			RepoLogStatus:     item.Status,
		})
	})
	if err != nil {
		return err
	}
	res.Created++
	return nil
}

func repoLogItemChanged(row *store.SyncState, item types.WorkItem) bool {
	return item.Title != row.Title ||
		item.Description != row.Description ||
		item.Status != row.RepoLogStatus
}

// docsStreamWorkflow handles a batch of changed Docs task ids from the
// change stream: fetch each task and fan out a single-item sync keyed by
// (project, task id).
func (w *Workflows) docsStreamWorkflow(ctx *workflow.Context, input interface{}) (interface{}, error) {
	event, ok := input.(types.DocsStreamEvent)
	if !ok {
		return nil, adapters.ValidationErrorf("docs stream workflow: unexpected input %T", input)
	}
	res := &Result{}

	for i, taskID := range event.ChangedTaskIDs {
		if ctx.Cancelled() {
			return res, workflow.ErrCancelled
		}
		if i > 0 {
			if err := ctx.Sleep(ItemPacing); err != nil {
				return res, err
			}
		}
		res.Processed++
		if err := w.handleDocsTask(ctx, event, taskID, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", taskID, err))
		}
	}
	return res, nil
}

func (w *Workflows) handleDocsTask(ctx *workflow.Context, event types.DocsStreamEvent, taskID string, res *Result) error {
	var task *types.WorkItem
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		task, aerr = w.Docs.GetTask(actx, taskID)
		return aerr
	})
	if err != nil {
		return err
	}

	project := event.TrackerProject
	ref := types.ExtractTrackerRef(task.Description)
	if project == "" && ref != "" {
		project = types.ProjectCodeOf(ref)
	}
	var linked types.LinkedIDs
	if ref != "" {
		linked, _, err = w.linkedIDsFor(ctx, ref)
		if err != nil {
			return err
		}
		linked.TrackerID = ref
	}
	linked.DocsID = taskID

	var repoPath string
	if project != "" {
		// Non-fatal: sync proceeds without the RepoLog leg.
		_ = ctx.Activity(func(actx context.Context) error {
			path, aerr := w.RepoLog.ResolveRepoPath(actx, project)
			if aerr == nil {
				repoPath = path
			}
			return nil
		})
	}

	_, err = ctx.ExecuteChild(SyncWorkflow, fmt.Sprintf("docs-sync-%s-%s", project, taskID), engine.Input{
		Source:    types.SystemDocs,
		Item:      *task,
		Context:   types.SyncContext{Project: project, RepoPath: repoPath},
		LinkedIDs: linked,
	})
	if err != nil {
		return err
	}
	res.Synced++
	return nil
}

// webhookWorkflow handles a Tracker webhook batch: keep issue-class changes,
// de-duplicate by identifier keeping the newest, then fan out one child sync
// per surviving change, paced at WebhookPacing.
func (w *Workflows) webhookWorkflow(ctx *workflow.Context, input interface{}) (interface{}, error) {
	event, ok := input.(types.WebhookEvent)
	if !ok {
		return nil, adapters.ValidationErrorf("webhook workflow: unexpected input %T", input)
	}
	res := &Result{}

	changes := types.DedupeChanges(types.ClassifyChanges(event.Changes))
	for i, change := range changes {
		if ctx.Cancelled() {
			return res, workflow.ErrCancelled
		}
		if i > 0 {
			if err := ctx.Sleep(WebhookPacing); err != nil {
				return res, err
			}
		}
		res.Processed++
		if err := w.handleWebhookChange(ctx, change, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", change.DedupeKey(), err))
		}
	}
	return res, nil
}

func (w *Workflows) handleWebhookChange(ctx *workflow.Context, change types.IssueChange, res *Result) error {
	id := change.Identifier
	if id == "" {
		id = change.ID
	}
	if !types.IsCanonicalID(id) {
		res.Skipped++
		return nil
	}
	project := types.ProjectCodeOf(id)

	var item *types.WorkItem
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		item, aerr = w.Tracker.GetIssue(actx, id)
		return aerr
	})
	if err != nil {
		return err
	}

	var repoPath string
	// Non-fatal: a project without a working copy still syncs to Docs.
	_ = ctx.Activity(func(actx context.Context) error {
		path, aerr := w.RepoLog.ResolveRepoPath(actx, project)
		if aerr == nil {
			repoPath = path
		}
		return nil
	})

	linked, _, err := w.linkedIDsFor(ctx, id)
	if err != nil {
		return err
	}
	linked.TrackerID = id

	_, err = ctx.ExecuteChild(SyncWorkflow, "webhook-sync-"+id, engine.Input{
		Source:    types.SystemTracker,
		Item:      *item,
		Context:   types.SyncContext{Project: project, RepoPath: repoPath},
		LinkedIDs: linked,
	})
	if err != nil {
		return err
	}
	res.Synced++
	return nil
}
