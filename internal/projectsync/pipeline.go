// Package projectsync implements the phased per-project sync pipeline. One
// run pushes Tracker state into the Docs task peer and the RepoLog mirror,
// then pulls both directions back, checkpointing through continue-as-new so
// a single run never processes more than MaxIssuesPerRun items.
package projectsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/mapper"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// WorkflowName is the pipeline's registered workflow name.
const WorkflowName = "project-sync"

// Pipeline tuning. The cap bounds one run's processed items; hitting it with
// work remaining triggers continue-as-new.
const (
	MaxIssuesPerRun  = 100
	DefaultBatchSize = 5
	WebhookMinBatch  = 20
	CreatePacing     = 100 * time.Millisecond
)

// Pipeline phases, in order.
const (
	PhaseInit = "init"
	Phase1    = "phase1"  // Tracker -> Docs peer
	Phase2    = "phase2"  // Docs peer -> Tracker
	Phase3    = "phase3"  // Tracker -> RepoLog
	Phase3B   = "phase3b" // RepoLog -> Tracker
	Phase3C   = "phase3c" // RepoLog -> Docs peer
	PhaseDone = "done"
)

// Input is the workflow input. The continuation fields carry the cursor and
// accumulated state across continue-as-new boundaries.
type Input struct {
	Project   string
	RepoPath  string // operator override; resolved in init when empty
	BatchSize int

	// PrefetchedIssues, when set, replaces the full Tracker fetch. With
	// PartialSet the set is known-incomplete (webhook fast path): the batch
	// size floor rises to WebhookMinBatch and no full fetch happens.
	PrefetchedIssues []types.WorkItem
	PartialSet       bool

	// Continuation state.
	Phase              string
	Cursor             int
	Result             *Result
	DocsProjectID      string
	GitRepoPath        string
	RepoLogInitialized bool
	Phase1UpdatedTasks []string
}

func (in *Input) effectiveBatchSize() int {
	b := in.BatchSize
	if b <= 0 {
		b = DefaultBatchSize
	}
	if in.PartialSet && b < WebhookMinBatch {
		b = WebhookMinBatch
	}
	return b
}

// PhaseStats counts one phase's outcomes across all runs.
type PhaseStats struct {
	Synced  int
	Created int
	Skipped int
	Errors  int
}

// Result accumulates across continue-as-new runs.
type Result struct {
	Project string
	Runs    int
	Phase1  PhaseStats
	Phase2  PhaseStats
	Phase3  PhaseStats
	Phase3B PhaseStats
	Phase3C PhaseStats
	Errors  []string
	Success bool
}

func (r *Result) phaseError(stats *PhaseStats, format string, args ...interface{}) {
	stats.Errors++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Pipeline holds the adapters. Docs may be nil (phases 1, 2 and 3c disable);
// a project without a resolvable repo path disables phase 3*.
type Pipeline struct {
	Tracker adapters.TrackerAdapter
	RepoLog adapters.RepoLogAdapter
	Docs    adapters.DocsAdapter
	Store   *store.Store

	// ProvisionFn is the best-effort agent provisioning hook called during
	// init. Errors are logged, never fatal.
	ProvisionFn func(ctx context.Context, project string) error

	OnMessage func(string)
	OnWarning func(string)
}

// Register binds the pipeline workflow on the runtime.
func (p *Pipeline) Register(rt *workflow.Runtime) {
	rt.Register(WorkflowName, p.Run)
}

func (p *Pipeline) message(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("projectsync: %s\n", msg)
	if p.OnMessage != nil {
		p.OnMessage(msg)
	}
}

func (p *Pipeline) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("projectsync: WARN %s\n", msg)
	if p.OnWarning != nil {
		p.OnWarning(msg)
	}
}

// runState tracks one run's processed-item count against MaxIssuesPerRun.
type runState struct {
	processed int
	pending   []*store.SyncState
}

// count records one cap-counted item. Skips are free; only items that caused
// writes count toward the per-run cap.
func (st *runState) count() { st.processed++ }

func (st *runState) capReached() bool { return st.processed >= MaxIssuesPerRun }

// Run is the workflow function.
func (p *Pipeline) Run(ctx *workflow.Context, input interface{}) (interface{}, error) {
	in, ok := input.(Input)
	if !ok {
		return nil, adapters.ValidationErrorf("project-sync: unexpected input %T", input)
	}
	if in.Project == "" {
		return nil, adapters.ValidationErrorf("project-sync: missing project")
	}
	if in.Phase == "" {
		in.Phase = PhaseInit
	}
	if in.Result == nil {
		in.Result = &Result{Project: in.Project}
	}
	in.Result.Runs++
	st := &runState{}

	for {
		if ctx.Cancelled() {
			return in.Result, workflow.ErrCancelled
		}
		var err error
		switch in.Phase {
		case PhaseInit:
			err = p.phaseInit(ctx, &in)
		case Phase1:
			err = p.phase1(ctx, &in, st)
		case Phase2:
			err = p.phase2(ctx, &in, st)
		case Phase3:
			err = p.phase3(ctx, &in, st)
		case Phase3B:
			err = p.phase3b(ctx, &in, st)
		case Phase3C:
			err = p.phase3c(ctx, &in, st)
		case PhaseDone:
			in.Result.Success = len(in.Result.Errors) == 0
			p.message("project %s sync done: success=%v runs=%d", in.Project, in.Result.Success, in.Result.Runs)
			return in.Result, nil
		default:
			return in.Result, adapters.ValidationErrorf("project-sync: unknown phase %q", in.Phase)
		}
		if err != nil {
			// Continue-as-new travels as an error; it must pass through
			// untouched.
			return in.Result, err
		}
	}
}

// checkpoint flushes pending rows and tail-calls into the next run at the
// given phase/cursor.
func (p *Pipeline) checkpoint(ctx *workflow.Context, in *Input, st *runState, cursor int) error {
	if err := p.flush(ctx, st); err != nil {
		return err
	}
	next := *in
	next.Cursor = cursor
	debug.Logf("projectsync: %s continue-as-new at %s cursor=%d (processed %d)\n",
		in.Project, in.Phase, cursor, st.processed)
	return ctx.ContinueAsNew(next)
}

// flush persists the pending SyncState rows as one batch upsert.
func (p *Pipeline) flush(ctx *workflow.Context, st *runState) error {
	if len(st.pending) == 0 {
		return nil
	}
	rows := st.pending
	st.pending = nil
	return ctx.Activity(func(actx context.Context) error {
		return p.Store.UpsertBatch(actx, rows)
	})
}

func (p *Pipeline) phaseInit(ctx *workflow.Context, in *Input) error {
	if p.Docs != nil && in.DocsProjectID == "" {
		err := ctx.Activity(func(actx context.Context) error {
			id, aerr := p.Docs.EnsureProject(actx, in.Project, in.Project)
			if aerr != nil {
				return aerr
			}
			in.DocsProjectID = id
			return nil
		})
		if err != nil {
			p.warn("project %s: docs peer unavailable, phases 1/2/3c disabled: %v", in.Project, err)
		}
	}

	in.GitRepoPath = in.RepoPath
	if in.GitRepoPath == "" {
		// Non-fatal: a project without a working copy syncs Docs only.
		_ = ctx.Activity(func(actx context.Context) error {
			path, aerr := p.RepoLog.ResolveRepoPath(actx, in.Project)
			if aerr == nil {
				in.GitRepoPath = path
			}
			return nil
		})
	}
	if in.GitRepoPath != "" && !in.RepoLogInitialized {
		err := ctx.Activity(func(actx context.Context) error {
			return p.RepoLog.Init(actx, in.GitRepoPath, in.Project)
		})
		if err != nil {
			p.warn("project %s: repolog init failed, phase 3* disabled: %v", in.Project, err)
			in.GitRepoPath = ""
		} else {
			in.RepoLogInitialized = true
		}
	}

	if p.ProvisionFn != nil {
		_ = ctx.Activity(func(actx context.Context) error {
			if aerr := p.ProvisionFn(actx, in.Project); aerr != nil {
				p.warn("project %s: provisioning failed (ignored): %v", in.Project, aerr)
			}
			return nil
		})
	}

	in.Phase = Phase1
	in.Cursor = 0
	return nil
}

// trackerIssues returns the working set, sorted by identifier for stable
// cursors across continuations.
func (p *Pipeline) trackerIssues(ctx *workflow.Context, in *Input) ([]types.WorkItem, error) {
	if len(in.PrefetchedIssues) > 0 || in.PartialSet {
		issues := append([]types.WorkItem(nil), in.PrefetchedIssues...)
		sortByIdentifier(issues)
		return issues, nil
	}
	var issues []types.WorkItem
	err := ctx.Activity(func(actx context.Context) error {
		m, aerr := p.Tracker.ListIssuesBulk(actx, []string{in.Project}, 0)
		if aerr != nil {
			return aerr
		}
		issues = m[in.Project]
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByIdentifier(issues)
	return issues, nil
}

func sortByIdentifier(items []types.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Identifier < items[j].Identifier })
}

// sortParentsFirst orders parents before children, identifier order within
// each group.
func sortParentsFirst(items []types.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].Parent != "", items[j].Parent != ""
		if pi != pj {
			return !pi
		}
		return items[i].Identifier < items[j].Identifier
	})
}

// docsTaskIndex maps canonical identifiers to their Docs peer tasks, via the
// back-reference each synced task carries in its description.
func (p *Pipeline) docsTaskIndex(ctx *workflow.Context, in *Input) (map[string]types.WorkItem, error) {
	index := make(map[string]types.WorkItem)
	err := ctx.Activity(func(actx context.Context) error {
		tasks, aerr := p.Docs.ListTasks(actx, in.DocsProjectID)
		if aerr != nil {
			return aerr
		}
		for _, t := range tasks {
			if ref := types.ExtractTrackerRef(t.Description); ref != "" {
				index[ref] = t
			}
		}
		return nil
	})
	return index, err
}

// phase1 pushes Tracker items into the Docs peer, parents first.
func (p *Pipeline) phase1(ctx *workflow.Context, in *Input, st *runState) error {
	if in.DocsProjectID == "" {
		in.Phase = Phase2
		in.Cursor = 0
		return nil
	}
	issues, err := p.trackerIssues(ctx, in)
	if err != nil {
		return err
	}
	sortParentsFirst(issues)
	taskByRef, err := p.docsTaskIndex(ctx, in)
	if err != nil {
		return err
	}
	stats := &in.Result.Phase1

	for i := in.Cursor; i < len(issues); i++ {
		if ctx.Cancelled() {
			if ferr := p.flush(ctx, st); ferr != nil {
				return ferr
			}
			return workflow.ErrCancelled
		}
		it := issues[i]
		task, exists := taskByRef[it.Identifier]

		var taskID string
		var taskModified time.Time
		if exists {
			if docsTaskMatches(task, it) {
				stats.Skipped++
				continue
			}
			err := ctx.Activity(func(actx context.Context) error {
				updated, aerr := p.Docs.UpdateTask(actx, task.ID, map[string]interface{}{
					"title":  it.Title,
					"status": mapper.TrackerToDocs(it.Status),
				})
				if aerr != nil {
					return aerr
				}
				taskID = updated.ID
				taskModified = updated.ModifiedAt
				return nil
			})
			if err != nil {
				in.Result.phaseError(stats, "phase1 %s: %v", it.Identifier, err)
				continue
			}
			in.Phase1UpdatedTasks = append(in.Phase1UpdatedTasks, taskID)
			stats.Synced++
		} else {
			err := ctx.Activity(func(actx context.Context) error {
				created, aerr := p.Docs.CreateTask(actx, in.DocsProjectID, &types.WorkItem{
					Title:       it.Title,
					Description: withTrackerRef(it.Description, it.Identifier),
					Status:      mapper.TrackerToDocs(it.Status),
					Priority:    it.Priority,
				})
				if aerr != nil {
					return aerr
				}
				taskID = created.ID
				taskModified = created.ModifiedAt
				return nil
			})
			if err != nil {
				in.Result.phaseError(stats, "phase1 %s: %v", it.Identifier, err)
				continue
			}
			in.Phase1UpdatedTasks = append(in.Phase1UpdatedTasks, taskID)
			stats.Created++
		}

		st.pending = append(st.pending, &store.SyncState{
			CanonicalID:       it.Identifier,
			Project:           in.Project,
			Title:             it.Title,
			Description:       it.Description,
			Status:            it.Status,
			Priority:          it.Priority,
			TrackerID:         it.Identifier,
			DocsID:            taskID,
			TrackerModifiedAt: it.ModifiedAt,
			TrackerStatus:     it.Status,
			DocsModifiedAt:    taskModified,
			DocsStatus:        mapper.TrackerToDocs(it.Status),
		})
		st.count()
		if len(st.pending) >= in.effectiveBatchSize() {
			if err := p.flush(ctx, st); err != nil {
				return err
			}
		}
		if st.capReached() && i+1 < len(issues) {
			return p.checkpoint(ctx, in, st, i+1)
		}
	}
	if err := p.flush(ctx, st); err != nil {
		return err
	}
	in.Phase = Phase2
	in.Cursor = 0
	return nil
}

func docsTaskMatches(task types.WorkItem, it types.WorkItem) bool {
	return task.Title == it.Title && task.Status == mapper.TrackerToDocs(it.Status)
}

func withTrackerRef(description, id string) string {
	if description == "" {
		return "Synced from Tracker: " + id
	}
	return description + "\n\nSynced from Tracker: " + id
}

// phase2 pulls Docs peer edits back into the Tracker, skipping tasks phase1
// just touched.
func (p *Pipeline) phase2(ctx *workflow.Context, in *Input, st *runState) error {
	if in.DocsProjectID == "" {
		in.Phase = Phase3
		in.Cursor = 0
		return nil
	}
	var tasks []types.WorkItem
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		tasks, aerr = p.Docs.ListTasks(actx, in.DocsProjectID)
		return aerr
	})
	if err != nil {
		return err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	updated := make(map[string]bool, len(in.Phase1UpdatedTasks))
	for _, id := range in.Phase1UpdatedTasks {
		updated[id] = true
	}
	stats := &in.Result.Phase2

	for i := in.Cursor; i < len(tasks); i++ {
		if ctx.Cancelled() {
			if ferr := p.flush(ctx, st); ferr != nil {
				return ferr
			}
			return workflow.ErrCancelled
		}
		task := tasks[i]
		if updated[task.ID] {
			stats.Skipped++
			continue
		}
		ref := types.ExtractTrackerRef(task.Description)
		if !types.IsCanonicalID(ref) {
			stats.Skipped++
			continue
		}

		var row *store.SyncState
		err := ctx.Activity(func(actx context.Context) error {
			var aerr error
			row, aerr = p.Store.GetState(actx, ref)
			return aerr
		})
		if err != nil {
			in.Result.phaseError(stats, "phase2 %s: %v", ref, err)
			continue
		}
		if row == nil {
			// No baseline: leave for the next full pass rather than guessing.
			stats.Skipped++
			continue
		}

		mappedStatus := mapper.DocsToTracker(task.Status)
		updates := make(map[string]interface{})
		if task.Title != "" && task.Title != row.Title {
			updates["title"] = task.Title
		}
		if mappedStatus != row.Status {
			if mapper.AllowedByRankGuard(mapper.TrackerRank(row.Status), mapper.DocsRank(task.Status)) {
				updates["status"] = mappedStatus
			} else {
				p.warn("phase2 %s: rank guard kept status %q over %q", ref, row.Status, mappedStatus)
			}
		}
		if len(updates) == 0 {
			stats.Skipped++
			continue
		}

		err = ctx.Activity(func(actx context.Context) error {
			_, aerr := p.Tracker.UpdateIssue(actx, ref, updates)
			return aerr
		})
		if err != nil {
			in.Result.phaseError(stats, "phase2 %s: %v", ref, err)
			continue
		}

		next := *row
		if t, ok := updates["title"].(string); ok {
			next.Title = t
		}
		if s, ok := updates["status"].(string); ok {
			next.Status = s
			next.TrackerStatus = s
		}
		next.DocsID = task.ID
		next.DocsModifiedAt = task.ModifiedAt
		next.DocsStatus = task.Status
		next.TrackerModifiedAt = time.Now().UTC()
		st.pending = append(st.pending, &next)
		st.count()
		stats.Synced++

		if len(st.pending) >= in.effectiveBatchSize() {
			if err := p.flush(ctx, st); err != nil {
				return err
			}
		}
		if st.capReached() && i+1 < len(tasks) {
			return p.checkpoint(ctx, in, st, i+1)
		}
	}
	if err := p.flush(ctx, st); err != nil {
		return err
	}
	in.Phase = Phase3
	in.Cursor = 0
	return nil
}

// repoLogIndexes builds the label and normalized-title lookups over the
// current RepoLog listing.
type repoLogIndexes struct {
	byRef   map[string]types.WorkItem
	byTitle map[string]types.WorkItem
}

func (p *Pipeline) listRepoLog(ctx *workflow.Context, repoPath string) ([]types.WorkItem, repoLogIndexes, error) {
	var items []types.WorkItem
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		items, aerr = p.RepoLog.ListIssues(actx, repoPath)
		return aerr
	})
	idx := repoLogIndexes{
		byRef:   make(map[string]types.WorkItem),
		byTitle: make(map[string]types.WorkItem),
	}
	if err != nil {
		return nil, idx, err
	}
	for _, item := range items {
		for _, ref := range types.TrackerRefsFromLabels(item.Labels) {
			idx.byRef[ref] = item
		}
		idx.byTitle[types.NormalizeTitle(item.Title)] = item
	}
	return items, idx, nil
}

// phase3 mirrors Tracker items into the RepoLog, batch by batch. Each batch
// upserts concurrently (bounded by the batch size), persists its SyncState
// rows in one upsert, then re-fetches the RepoLog listing to pick up
// side-effects before the next batch.
func (p *Pipeline) phase3(ctx *workflow.Context, in *Input, st *runState) error {
	if in.GitRepoPath == "" {
		in.Phase = PhaseDone
		return nil
	}
	issues, err := p.trackerIssues(ctx, in)
	if err != nil {
		return err
	}
	_, idx, err := p.listRepoLog(ctx, in.GitRepoPath)
	if err != nil {
		return err
	}
	stats := &in.Result.Phase3
	batchSize := in.effectiveBatchSize()
	touched := false

	for start := in.Cursor; start < len(issues); start += batchSize {
		if ctx.Cancelled() {
			if ferr := p.flush(ctx, st); ferr != nil {
				return ferr
			}
			return workflow.ErrCancelled
		}
		end := start + batchSize
		if end > len(issues) {
			end = len(issues)
		}
		batch := issues[start:end]

		// Partition the batch before writing: existing mirrors update in
		// place, normalized-title matches link up, the rest create.
		type job struct {
			item    types.WorkItem
			existID string // repolog id to update; empty creates
		}
		var jobs []job
		seenTitles := make(map[string]bool)
		for _, it := range batch {
			norm := types.NormalizeTitle(it.Title)
			if seenTitles[norm] {
				stats.Skipped++
				continue // duplicate title within the batch
			}
			seenTitles[norm] = true

			if mirror, ok := idx.byRef[it.Identifier]; ok {
				if repoLogMirrorMatches(mirror, it) {
					stats.Skipped++
					continue
				}
				jobs = append(jobs, job{item: it, existID: mirror.ID})
				continue
			}
			if mirror, ok := idx.byTitle[norm]; ok {
				// Same title, no label yet: adopt instead of duplicating.
				jobs = append(jobs, job{item: it, existID: mirror.ID})
				continue
			}
			jobs = append(jobs, job{item: it})
		}

		if len(jobs) > 0 {
			results := make([]*types.WorkItem, len(jobs))
			errs := make([]error, len(jobs))
			err := ctx.Activity(func(actx context.Context) error {
				g, gctx := errgroup.WithContext(actx)
				g.SetLimit(batchSize)
				for j := range jobs {
					j := j
					g.Go(func() error {
						up := &types.WorkItem{
							ID:          jobs[j].existID,
							Title:       jobs[j].item.Title,
							Description: jobs[j].item.Description,
							Status:      mapper.TrackerToRepoLog(jobs[j].item.Status),
							Priority:    jobs[j].item.Priority,
							Labels:      []string{types.TrackerLabelPrefix + jobs[j].item.Identifier},
						}
						results[j], errs[j] = p.RepoLog.Upsert(gctx, in.GitRepoPath, up)
						return nil // item errors collected per slot
					})
				}
				return g.Wait()
			})
			if err != nil {
				return err
			}
			for j, jb := range jobs {
				if errs[j] != nil {
					in.Result.phaseError(stats, "phase3 %s: %v", jb.item.Identifier, errs[j])
					st.count()
					continue
				}
				mirror := results[j]
				if jb.existID == "" {
					stats.Created++
				}
				stats.Synced++
				touched = true
				st.pending = append(st.pending, &store.SyncState{
					CanonicalID:       jb.item.Identifier,
					Project:           in.Project,
					Title:             jb.item.Title,
					Description:       jb.item.Description,
					Status:            jb.item.Status,
					Priority:          jb.item.Priority,
					TrackerID:         jb.item.Identifier,
					RepoLogID:         mirror.ID,
					TrackerModifiedAt: jb.item.ModifiedAt,
					TrackerStatus:     jb.item.Status,
					RepoLogModifiedAt: mirror.ModifiedAt,
					RepoLogStatus:     mirror.Status,
				})
				st.count()
			}
			if err := p.flush(ctx, st); err != nil {
				return err
			}
			// Side-effects (ids, merged labels) feed the next batch.
			_, idx, err = p.listRepoLog(ctx, in.GitRepoPath)
			if err != nil {
				return err
			}
		}

		if st.capReached() && end < len(issues) {
			if touched {
				if cerr := p.commitRepoLog(ctx, in); cerr != nil {
					p.warn("phase3 commit: %v", cerr)
				}
			}
			return p.checkpoint(ctx, in, st, end)
		}
	}
	if touched {
		if err := p.commitRepoLog(ctx, in); err != nil {
			p.warn("phase3 commit: %v", err)
		}
	}
	in.Phase = Phase3B
	in.Cursor = 0
	return nil
}

func repoLogMirrorMatches(mirror types.WorkItem, it types.WorkItem) bool {
	return mirror.Title == it.Title &&
		mirror.Description == it.Description &&
		mirror.Status == mapper.TrackerToRepoLog(it.Status)
}

func (p *Pipeline) commitRepoLog(ctx *workflow.Context, in *Input) error {
	return ctx.Activity(func(actx context.Context) error {
		return p.RepoLog.Commit(actx, in.GitRepoPath,
			types.FormatCommitMessage(types.SystemTracker, in.Project+" bulk sync"))
	})
}

// phase3b pulls RepoLog state back into the Tracker. Labelled items update
// their Tracker issues (rank-guarded against the stored batch); unlabelled
// items become new Tracker issues, paced at CreatePacing.
func (p *Pipeline) phase3b(ctx *workflow.Context, in *Input, st *runState) error {
	if in.GitRepoPath == "" {
		in.Phase = PhaseDone
		return nil
	}
	items, _, err := p.listRepoLog(ctx, in.GitRepoPath)
	if err != nil {
		return err
	}
	stats := &in.Result.Phase3B

	var labelled, unlabelled []types.WorkItem
	var refs []string
	for _, item := range items {
		itemRefs := types.TrackerRefsFromLabels(item.Labels)
		if len(itemRefs) == 0 {
			unlabelled = append(unlabelled, item)
			continue
		}
		labelled = append(labelled, item)
		refs = append(refs, itemRefs...)
	}

	var rows map[string]*store.SyncState
	err = ctx.Activity(func(actx context.Context) error {
		var aerr error
		rows, aerr = p.Store.GetStateBatch(actx, refs)
		return aerr
	})
	if err != nil {
		return err
	}

	for i := in.Cursor; i < len(labelled); i++ {
		if ctx.Cancelled() {
			if ferr := p.flush(ctx, st); ferr != nil {
				return ferr
			}
			return workflow.ErrCancelled
		}
		item := labelled[i]
		// One update per tracker: label; multi-label items fan out.
		wrote := false
		for _, ref := range types.TrackerRefsFromLabels(item.Labels) {
			row := rows[ref]
			if row != nil && repoLogRowMatches(row, item) {
				stats.Skipped++
				continue
			}
			mappedStatus := mapper.RepoLogToTracker(item.Status, item.Labels)
			updates := map[string]interface{}{}
			if item.Title != "" && (row == nil || item.Title != row.Title) {
				updates["title"] = item.Title
			}
			if item.Description != "" && (row == nil || item.Description != row.Description) {
				updates["description"] = item.Description
			}
			if mappedStatus != "" && (row == nil || mappedStatus != row.Status) {
				storedRank := mapper.RankUnknown
				if row != nil {
					storedRank = mapper.TrackerRank(row.Status)
				}
				if mapper.AllowedByRankGuard(storedRank, mapper.RepoLogRank(item.Status, item.Labels)) {
					updates["status"] = mappedStatus
				} else {
					p.warn("phase3b %s: rank guard kept status over %q", ref, mappedStatus)
				}
			}
			if len(updates) == 0 {
				stats.Skipped++
				continue
			}
			err := ctx.Activity(func(actx context.Context) error {
				_, aerr := p.Tracker.UpdateIssue(actx, ref, updates)
				return aerr
			})
			if err != nil {
				in.Result.phaseError(stats, "phase3b %s: %v", ref, err)
				continue
			}
			next := store.SyncState{
				CanonicalID:       ref,
				Project:           in.Project,
				Title:             item.Title,
				Description:       item.Description,
				Status:            mappedStatus,
				TrackerID:         ref,
				RepoLogID:         item.ID,
				TrackerModifiedAt: time.Now().UTC(),
				TrackerStatus:     mappedStatus,
				RepoLogModifiedAt: item.ModifiedAt,
				RepoLogStatus:     item.Status,
			}
			if row != nil {
				next.DocsID = row.DocsID
				next.DocsModifiedAt = row.DocsModifiedAt
				next.DocsStatus = row.DocsStatus
			}
			st.pending = append(st.pending, &next)
			stats.Synced++
			wrote = true
		}
		if wrote {
			st.count()
		}
		if len(st.pending) >= in.effectiveBatchSize() {
			if err := p.flush(ctx, st); err != nil {
				return err
			}
		}
		if st.capReached() && (i+1 < len(labelled) || len(unlabelled) > 0) {
			return p.checkpoint(ctx, in, st, i+1)
		}
	}

	// Unlabelled items: adopt into the Tracker. Cursor positions past the
	// labelled set index into this list.
	createStart := in.Cursor - len(labelled)
	if createStart < 0 {
		createStart = 0
	}
	for i := createStart; i < len(unlabelled); i++ {
		if ctx.Cancelled() {
			if ferr := p.flush(ctx, st); ferr != nil {
				return ferr
			}
			return workflow.ErrCancelled
		}
		if i > createStart {
			if err := ctx.Sleep(CreatePacing); err != nil {
				return err
			}
		}
		item := unlabelled[i]
		var created *types.WorkItem
		err := ctx.Activity(func(actx context.Context) error {
			var aerr error
			created, aerr = p.Tracker.CreateIssue(actx, in.Project, &types.WorkItem{
				Title:       item.Title,
				Description: item.Description,
				Status:      mapper.RepoLogToTracker(item.Status, item.Labels),
				Priority:    item.Priority,
			})
			return aerr
		})
		if err != nil {
			in.Result.phaseError(stats, "phase3b create %q: %v", item.Title, err)
			continue
		}
		err = ctx.Activity(func(actx context.Context) error {
			_, aerr := p.RepoLog.Upsert(actx, in.GitRepoPath, &types.WorkItem{
				ID:     item.ID,
				Labels: []string{types.TrackerLabelPrefix + created.Identifier},
			})
			return aerr
		})
		if err != nil {
			in.Result.phaseError(stats, "phase3b label %s: %v", created.Identifier, err)
			continue
		}
		st.pending = append(st.pending, &store.SyncState{
			CanonicalID:       created.Identifier,
			Project:           in.Project,
			Title:             item.Title,
			Description:       item.Description,
			Status:            created.Status,
			TrackerID:         created.Identifier,
			RepoLogID:         item.ID,
			TrackerModifiedAt: created.ModifiedAt,
			TrackerStatus:     created.Status,
			RepoLogModifiedAt: item.ModifiedAt,
			RepoLogStatus:     item.Status,
		})
		stats.Created++
		st.count()
		if st.capReached() && i+1 < len(unlabelled) {
			return p.checkpoint(ctx, in, st, len(labelled)+i+1)
		}
	}
	if err := p.flush(ctx, st); err != nil {
		return err
	}
	if len(unlabelled) > 0 {
		if err := p.commitRepoLog(ctx, in); err != nil {
			p.warn("phase3b commit: %v", err)
		}
	}
	in.Phase = Phase3C
	in.Cursor = 0
	return nil
}

func repoLogRowMatches(row *store.SyncState, item types.WorkItem) bool {
	return item.Title == row.Title &&
		item.Description == row.Description &&
		item.Status == row.RepoLogStatus
}

// phase3c creates Docs peer tasks for RepoLog-origin items that never got
// one.
func (p *Pipeline) phase3c(ctx *workflow.Context, in *Input, st *runState) error {
	if in.GitRepoPath == "" || in.DocsProjectID == "" {
		in.Phase = PhaseDone
		return nil
	}
	items, _, err := p.listRepoLog(ctx, in.GitRepoPath)
	if err != nil {
		return err
	}
	taskByRef, err := p.docsTaskIndex(ctx, in)
	if err != nil {
		return err
	}
	stats := &in.Result.Phase3C

	for i := in.Cursor; i < len(items); i++ {
		if ctx.Cancelled() {
			if ferr := p.flush(ctx, st); ferr != nil {
				return ferr
			}
			return workflow.ErrCancelled
		}
		item := items[i]
		refs := types.TrackerRefsFromLabels(item.Labels)
		if len(refs) == 0 {
			stats.Skipped++
			continue
		}
		ref := refs[0]
		if _, ok := taskByRef[ref]; ok {
			stats.Skipped++
			continue
		}
		var created *types.WorkItem
		err := ctx.Activity(func(actx context.Context) error {
			var aerr error
			created, aerr = p.Docs.CreateTask(actx, in.DocsProjectID, &types.WorkItem{
				Title:       item.Title,
				Description: withTrackerRef(item.Description, ref),
				Status:      mapper.TrackerToDocs(mapper.RepoLogToTracker(item.Status, item.Labels)),
				Priority:    item.Priority,
			})
			return aerr
		})
		if err != nil {
			in.Result.phaseError(stats, "phase3c %s: %v", ref, err)
			continue
		}
		st.pending = append(st.pending, &store.SyncState{
			CanonicalID:    ref,
			Project:        in.Project,
			Title:          item.Title,
			TrackerID:      ref,
			RepoLogID:      item.ID,
			DocsID:         created.ID,
			DocsModifiedAt: created.ModifiedAt,
			DocsStatus:     created.Status,
		})
		stats.Created++
		st.count()
		if len(st.pending) >= in.effectiveBatchSize() {
			if err := p.flush(ctx, st); err != nil {
				return err
			}
		}
		if st.capReached() && i+1 < len(items) {
			return p.checkpoint(ctx, in, st, i+1)
		}
	}
	if err := p.flush(ctx, st); err != nil {
		return err
	}
	in.Phase = PhaseDone
	in.Cursor = 0
	return nil
}
