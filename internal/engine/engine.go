// Package engine implements the single-item bidirectional sync state
// machine: conflict check against stored and live timestamps, winner
// selection under most-recent-wins, propagation to the other two systems,
// RepoLog commit, and sync-state persistence.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/mapper"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/types"
)

// ConflictTolerance is the engine's only numeric knob: two edits within this
// window are treated as concurrent and the incoming change wins (first-come
// semantics). Outside the window the newest timestamp wins.
const ConflictTolerance = 1000 * time.Millisecond

// Input describes one incoming change to reconcile across the three systems.
type Input struct {
	Source    types.System
	Item      types.WorkItem
	Context   types.SyncContext
	LinkedIDs types.LinkedIDs
}

// ConflictCheck is the outcome of the winner-selection step.
type ConflictCheck struct {
	SourceWins      bool
	Winner          types.System
	WinnerTimestamp time.Time
	FastPath        bool // decided from stored timestamps alone, no live probes
}

// Result reports what one engine invocation did. TargetErrors holds
// per-target propagation failures; they do not poison the other targets.
type Result struct {
	Success      bool
	Skipped      bool
	SkipReason   string
	Conflict     ConflictCheck
	TrackerID    string // canonical id discovered or confirmed during the run
	RepoLogID    string // repolog id created or confirmed during propagation
	DocsID       string // docs task id created or confirmed during propagation
	Propagated   []types.System
	TargetErrors map[types.System]string
}

// Engine reconciles one work item change across Tracker, RepoLog and Docs.
type Engine struct {
	Tracker adapters.TrackerAdapter
	RepoLog adapters.RepoLogAdapter
	Docs    adapters.DocsAdapter
	Store   *store.Store

	// Callbacks for UI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)
}

// New creates an engine over the given adapters and store.
func New(tracker adapters.TrackerAdapter, repoLog adapters.RepoLogAdapter, docs adapters.DocsAdapter, st *store.Store) *Engine {
	return &Engine{Tracker: tracker, RepoLog: repoLog, Docs: docs, Store: st}
}

func (e *Engine) message(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("engine: %s\n", msg)
	if e.OnMessage != nil {
		e.OnMessage(msg)
	}
}

func (e *Engine) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("engine: WARN %s\n", msg)
	if e.OnWarning != nil {
		e.OnWarning(msg)
	}
}

// canonicalID picks the identifier the conflict check and persistence key on.
func canonicalID(in Input) string {
	if in.LinkedIDs.TrackerID != "" {
		return in.LinkedIDs.TrackerID
	}
	if types.IsCanonicalID(in.Item.Identifier) {
		return in.Item.Identifier
	}
	return in.Item.ID
}

// Sync runs the full state machine for one incoming change.
func (e *Engine) Sync(ctx context.Context, in Input) (*Result, error) {
	if !in.Source.Valid() {
		return nil, adapters.ValidationErrorf("sync: unknown source system %q", in.Source)
	}

	res := &Result{TargetErrors: make(map[types.System]string)}

	check, err := e.CheckConflict(ctx, in)
	if err != nil {
		return nil, err
	}
	res.Conflict = check
	if !check.SourceWins {
		// The incoming change lost; record the winner for observability and
		// return success without propagating or persisting anything.
		e.message("%s change to %s lost to %s (winner at %s)",
			in.Source, canonicalID(in), check.Winner, check.WinnerTimestamp.Format(time.RFC3339Nano))
		res.Success = true
		res.Skipped = true
		res.SkipReason = fmt.Sprintf("conflict: %s wins", check.Winner)
		return res, nil
	}

	repoLogTouched := e.propagate(ctx, in, res)

	if repoLogTouched && in.Context.RepoPath != "" {
		msg := types.FormatCommitMessage(in.Source, in.Item.Title)
		if err := e.RepoLog.Commit(ctx, in.Context.RepoPath, msg); err != nil {
			// Commit failure does not undo the in-system writes.
			e.warn("repolog commit in %s failed: %v", in.Context.RepoPath, err)
			res.TargetErrors[types.SystemRepoLog] = fmt.Sprintf("commit: %v", err)
		}
	}

	if err := e.persist(ctx, in, res); err != nil {
		// Surface persistence failures so the runtime retries the activity.
		return res, err
	}

	res.Success = true
	return res, nil
}

// CheckConflict decides whether the incoming change wins. The fast path
// answers from stored timestamps alone; the slow path probes the live
// systems. Any adapter error during a probe resolves as sourceWins
// (availability over strict correctness).
func (e *Engine) CheckConflict(ctx context.Context, in Input) (ConflictCheck, error) {
	// Nothing linked in another system means nothing to contradict.
	hasCounterpart := false
	for _, s := range types.Systems {
		if s != in.Source && in.LinkedIDs.ForSystem(s) != "" {
			hasCounterpart = true
		}
	}
	if !hasCounterpart {
		return ConflictCheck{SourceWins: true}, nil
	}

	id := canonicalID(in)
	stored, err := e.Store.GetTimestamps(ctx, id)
	if err != nil {
		return ConflictCheck{}, err
	}

	// Fast path: every other system's stored timestamp is at least
	// ConflictTolerance older than the incoming change.
	fastWin := true
	for _, s := range types.Systems {
		if s == in.Source {
			continue
		}
		ts := stored.For(s)
		if ts.IsZero() {
			continue
		}
		if in.Item.ModifiedAt.Sub(ts) < ConflictTolerance {
			fastWin = false
			break
		}
	}
	if fastWin {
		return ConflictCheck{SourceWins: true, FastPath: true}, nil
	}

	// Slow path: read authoritative timestamps from the live systems.
	type entry struct {
		system types.System
		ts     time.Time
	}
	entries := []entry{{in.Source, in.Item.ModifiedAt}}
	for _, s := range types.Systems {
		if s == in.Source {
			continue
		}
		linked := in.LinkedIDs.ForSystem(s)
		if linked == "" {
			continue
		}
		ts, err := e.probe(ctx, s, linked, in.Context.RepoPath)
		if err != nil {
			e.warn("conflict probe of %s %s failed, assuming source wins: %v", s, linked, err)
			return ConflictCheck{SourceWins: true}, nil
		}
		if !ts.IsZero() {
			entries = append(entries, entry{s, ts})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ts.After(entries[j].ts) })
	top := entries[0]
	if top.system == in.Source {
		return ConflictCheck{SourceWins: true}, nil
	}
	if top.ts.Sub(in.Item.ModifiedAt) > ConflictTolerance {
		return ConflictCheck{SourceWins: false, Winner: top.system, WinnerTimestamp: top.ts}, nil
	}
	// Within tolerance the incoming change still wins.
	return ConflictCheck{SourceWins: true}, nil
}

func (e *Engine) probe(ctx context.Context, s types.System, id, repoPath string) (time.Time, error) {
	switch s {
	case types.SystemTracker:
		item, err := e.Tracker.GetIssue(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		return item.ModifiedAt, nil
	case types.SystemRepoLog:
		if repoPath == "" {
			return time.Time{}, nil
		}
		item, err := e.RepoLog.GetIssue(ctx, id, repoPath)
		if err != nil {
			return time.Time{}, err
		}
		return item.ModifiedAt, nil
	case types.SystemDocs:
		item, err := e.Docs.GetTask(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		return item.ModifiedAt, nil
	}
	return time.Time{}, nil
}

// trackerStatus converts the incoming item's status into the Tracker
// vocabulary, whatever system it came from.
func trackerStatus(in Input) string {
	switch in.Source {
	case types.SystemTracker:
		return in.Item.Status
	case types.SystemRepoLog:
		return mapper.RepoLogToTracker(in.Item.Status, in.Item.Labels)
	case types.SystemDocs:
		return mapper.DocsToTracker(in.Item.Status)
	}
	return in.Item.Status
}

// propagate pushes the winning change to the other systems per the routing
// table. Each target is independent; failures are recorded, not fatal.
// Returns whether RepoLog was written.
func (e *Engine) propagate(ctx context.Context, in Input, res *Result) bool {
	repoLogTouched := false
	switch in.Source {
	case types.SystemTracker:
		e.pushDocs(ctx, in, res)
		if in.Context.RepoPath != "" {
			repoLogTouched = e.pushRepoLog(ctx, in, res)
		}
	case types.SystemRepoLog:
		if in.LinkedIDs.TrackerID != "" {
			e.pushTracker(ctx, in, res)
		}
		if in.LinkedIDs.DocsID != "" {
			e.pushDocs(ctx, in, res)
		}
	case types.SystemDocs:
		if in.LinkedIDs.TrackerID != "" {
			e.pushTracker(ctx, in, res)
		}
		if in.Context.RepoPath != "" {
			repoLogTouched = e.pushRepoLog(ctx, in, res)
		}
	}
	return repoLogTouched
}

// guardStatus applies the rank guard against the stored status for the
// target system. Returns the status to write ("" to leave status alone).
func (e *Engine) guardStatus(ctx context.Context, in Input, target types.System, mapped string) string {
	if mapped == "" {
		return ""
	}
	row, err := e.Store.GetState(ctx, canonicalID(in))
	if err != nil || row == nil {
		return mapped
	}
	var storedRank, targetRank int
	switch target {
	case types.SystemTracker:
		storedRank = mapper.TrackerRank(row.TrackerStatus)
		targetRank = mapper.TrackerRank(mapped)
	case types.SystemRepoLog:
		storedRank = mapper.RepoLogRank(row.RepoLogStatus, nil)
		targetRank = mapper.RepoLogRank(mapped, in.Item.Labels)
	case types.SystemDocs:
		storedRank = mapper.DocsRank(row.DocsStatus)
		targetRank = mapper.DocsRank(mapped)
	}
	if targetRank == mapper.RankUnknown {
		e.warn("unknown status %q for %s, rank guard bypassed", mapped, target)
	}
	if !mapper.AllowedByRankGuard(storedRank, targetRank) {
		e.message("rank guard: not regressing %s on %s from rank %d to %d",
			canonicalID(in), target, storedRank, targetRank)
		return ""
	}
	return mapped
}

func (e *Engine) pushTracker(ctx context.Context, in Input, res *Result) {
	id := in.LinkedIDs.TrackerID
	updates := map[string]interface{}{
		"title":       in.Item.Title,
		"description": in.Item.Description,
	}
	if status := e.guardStatus(ctx, in, types.SystemTracker, trackerStatus(in)); status != "" {
		updates["status"] = status
	}
	if in.Item.Priority != "" {
		updates["priority"] = mapper.PriorityName(mapper.PriorityRank(in.Item.Priority))
	}
	if _, err := e.Tracker.UpdateIssue(ctx, id, updates); err != nil {
		e.warn("push to tracker %s failed: %v", id, err)
		res.TargetErrors[types.SystemTracker] = err.Error()
		return
	}
	res.Propagated = append(res.Propagated, types.SystemTracker)
	res.TrackerID = id
}

func (e *Engine) pushDocs(ctx context.Context, in Input, res *Result) {
	status := e.guardStatus(ctx, in, types.SystemDocs, mapper.TrackerToDocs(trackerStatus(in)))
	if in.LinkedIDs.DocsID != "" {
		updates := map[string]interface{}{
			"title":       in.Item.Title,
			"description": in.Item.Description,
		}
		if status != "" {
			updates["status"] = status
		}
		if _, err := e.Docs.UpdateTask(ctx, in.LinkedIDs.DocsID, updates); err != nil {
			e.warn("push to docs task %s failed: %v", in.LinkedIDs.DocsID, err)
			res.TargetErrors[types.SystemDocs] = err.Error()
			return
		}
		res.DocsID = in.LinkedIDs.DocsID
		res.Propagated = append(res.Propagated, types.SystemDocs)
		return
	}

	// No linked task yet: create one under the project's Docs peer so the
	// back-reference survives for later runs.
	docsProjectID, err := e.Docs.EnsureProject(ctx, in.Context.Project, in.Context.Project)
	if err != nil {
		e.warn("docs peer for %s unavailable: %v", in.Context.Project, err)
		res.TargetErrors[types.SystemDocs] = err.Error()
		return
	}
	item := in.Item
	item.Status = status
	if id := canonicalID(in); types.IsCanonicalID(id) {
		item.Description = withTrackerRef(item.Description, id)
	}
	created, err := e.Docs.CreateTask(ctx, docsProjectID, &item)
	if err != nil {
		e.warn("create docs task for %s failed: %v", in.Item.Title, err)
		res.TargetErrors[types.SystemDocs] = err.Error()
		return
	}
	res.DocsID = created.ID
	res.Propagated = append(res.Propagated, types.SystemDocs)
}

func (e *Engine) pushRepoLog(ctx context.Context, in Input, res *Result) bool {
	status := e.guardStatus(ctx, in, types.SystemRepoLog, mapper.TrackerToRepoLog(trackerStatus(in)))
	item := types.WorkItem{
		ID:          in.LinkedIDs.RepoLogID,
		Title:       in.Item.Title,
		Description: in.Item.Description,
		Status:      status,
		Priority:    in.Item.Priority,
	}
	if id := canonicalID(in); types.IsCanonicalID(id) {
		item.Labels = []string{types.TrackerLabelPrefix + id}
	}
	stored, err := e.RepoLog.Upsert(ctx, in.Context.RepoPath, &item)
	if err != nil {
		e.warn("push to repolog in %s failed: %v", in.Context.RepoPath, err)
		res.TargetErrors[types.SystemRepoLog] = err.Error()
		return false
	}
	res.RepoLogID = stored.ID
	res.Propagated = append(res.Propagated, types.SystemRepoLog)
	return true
}

// withTrackerRef appends the canonical back-reference to a description if it
// is not already present.
func withTrackerRef(description, id string) string {
	if types.ExtractTrackerRef(description) != "" {
		return description
	}
	if description == "" {
		return "Synced from Tracker: " + id
	}
	return description + "\n\nSynced from Tracker: " + id
}

// persist upserts SyncState under the resolved persistence identifier. The
// identifier falls back through the linked Tracker id, any Tracker id
// discovered during propagation, and finally a back-reference parsed out of
// the item description.
func (e *Engine) persist(ctx context.Context, in Input, res *Result) error {
	id := e.persistenceIdentifier(in, res)
	if id == "" {
		e.warn("no tracker identifier for %q, sync state not persisted", in.Item.Title)
		return nil
	}
	res.TrackerID = id

	row := &store.SyncState{
		CanonicalID: id,
		Project:     in.Context.Project,
		Title:       in.Item.Title,
		Description: in.Item.Description,
		Status:      trackerStatus(in),
		Priority:    in.Item.Priority,
		TrackerID:   id,
		RepoLogID:   firstNonEmpty(res.RepoLogID, in.LinkedIDs.RepoLogID),
		DocsID:      firstNonEmpty(res.DocsID, in.LinkedIDs.DocsID),
	}
	if row.Project == "" {
		row.Project = types.ProjectCodeOf(id)
	}
	if in.Item.Parent != "" {
		row.ParentCanonical = in.Item.Parent
	}
	switch in.Source {
	case types.SystemTracker:
		row.TrackerModifiedAt = in.Item.ModifiedAt
		row.TrackerStatus = in.Item.Status
	case types.SystemRepoLog:
		row.RepoLogModifiedAt = in.Item.ModifiedAt
		row.RepoLogStatus = in.Item.Status
	case types.SystemDocs:
		row.DocsModifiedAt = in.Item.ModifiedAt
		row.DocsStatus = in.Item.Status
	}
	return e.Store.Upsert(ctx, row)
}

func (e *Engine) persistenceIdentifier(in Input, res *Result) string {
	if in.Source == types.SystemTracker {
		if types.IsCanonicalID(in.Item.Identifier) {
			return in.Item.Identifier
		}
		if types.IsCanonicalID(in.Item.ID) {
			return in.Item.ID
		}
	}
	if in.LinkedIDs.TrackerID != "" {
		return in.LinkedIDs.TrackerID
	}
	if types.IsCanonicalID(res.TrackerID) {
		return res.TrackerID
	}
	return types.ExtractTrackerRef(in.Item.Description)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
