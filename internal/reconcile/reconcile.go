// Package reconcile sweeps the sync-state store for rows whose RepoLog
// mirror has disappeared and either marks them deleted or removes them.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// Workflow names registered by this package.
const (
	WorkflowName          = "reconcile"
	ScheduledWorkflowName = "scheduled-reconcile"
)

// Actions on stale rows.
const (
	ActionMarkDeleted = "mark_deleted"
	ActionHardDelete  = "hard_delete"
)

// DefaultScheduleInterval paces the scheduled sweep.
const DefaultScheduleInterval = time.Hour

var validActions = map[string]bool{
	ActionMarkDeleted: true,
	ActionHardDelete:  true,
}

// Input configures one sweep. An empty Project sweeps every project that has
// rows. DryRun reports stale rows without writing.
type Input struct {
	Project string
	Action  string
	DryRun  bool
}

// Result is the sweep outcome.
type Result struct {
	Checked     int
	Stale       int
	MarkDeleted int
	HardDeleted int
	StaleIDs    []string
	Errors      []string
	DryRun      bool
}

// Reconciler confirms stored RepoLog ids still exist.
type Reconciler struct {
	Tracker adapters.TrackerAdapter
	RepoLog adapters.RepoLogAdapter
	Store   *store.Store

	OnMessage func(string)
	OnWarning func(string)
}

// Register binds the reconciler workflows on the runtime.
func (r *Reconciler) Register(rt *workflow.Runtime) {
	rt.Register(WorkflowName, r.Run)
	rt.Register(ScheduledWorkflowName, r.RunScheduled)
}

func (r *Reconciler) message(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("reconcile: %s\n", msg)
	if r.OnMessage != nil {
		r.OnMessage(msg)
	}
}

func (r *Reconciler) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("reconcile: WARN %s\n", msg)
	if r.OnWarning != nil {
		r.OnWarning(msg)
	}
}

// Run is the reconcile workflow function.
func (r *Reconciler) Run(ctx *workflow.Context, input interface{}) (interface{}, error) {
	in, ok := input.(Input)
	if !ok {
		return nil, adapters.ValidationErrorf("reconcile: unexpected input %T", input)
	}
	if in.Action == "" {
		in.Action = ActionMarkDeleted
	}
	if !validActions[in.Action] {
		return nil, adapters.ValidationErrorf("reconcile: invalid action %q", in.Action)
	}
	res := &Result{DryRun: in.DryRun}

	projects, err := r.projects(ctx, in)
	if err != nil {
		return res, err
	}
	for _, project := range projects {
		if ctx.Cancelled() {
			return res, workflow.ErrCancelled
		}
		if err := r.sweepProject(ctx, in, project, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", project, err))
		}
	}
	r.message("reconcile done: %d checked, %d stale (%s, dryRun=%v)",
		res.Checked, res.Stale, in.Action, in.DryRun)
	return res, nil
}

// projects resolves the sweep scope.
func (r *Reconciler) projects(ctx *workflow.Context, in Input) ([]string, error) {
	if in.Project != "" {
		return []string{in.Project}, nil
	}
	var out []string
	err := ctx.Activity(func(actx context.Context) error {
		list, aerr := r.Tracker.ListProjects(actx)
		if aerr != nil {
			return aerr
		}
		for _, p := range list {
			out = append(out, p.Identifier)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (r *Reconciler) sweepProject(ctx *workflow.Context, in Input, project string, res *Result) error {
	var rows []*store.SyncState
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		rows, aerr = r.Store.ListByProject(actx, project)
		return aerr
	})
	if err != nil {
		return err
	}

	var repoPath string
	// Rows without a resolvable repo path cannot be confirmed; skip them
	// rather than declaring everything stale.
	err = ctx.Activity(func(actx context.Context) error {
		path, aerr := r.RepoLog.ResolveRepoPath(actx, project)
		if aerr != nil {
			if adapters.IsNotFound(aerr) {
				return nil
			}
			return aerr
		}
		repoPath = path
		return nil
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		if ctx.Cancelled() {
			return workflow.ErrCancelled
		}
		if row.RepoLogID == "" || row.DeletedScope != "" {
			continue
		}
		if repoPath == "" {
			continue
		}
		res.Checked++

		stale := false
		err := ctx.Activity(func(actx context.Context) error {
			_, aerr := r.RepoLog.GetIssue(actx, row.RepoLogID, repoPath)
			if adapters.IsNotFound(aerr) {
				stale = true
				return nil
			}
			return aerr
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", row.CanonicalID, err))
			continue
		}
		if !stale {
			continue
		}

		res.Stale++
		res.StaleIDs = append(res.StaleIDs, row.CanonicalID)
		if in.DryRun {
			r.message("dry run: would %s %s (repolog id %s gone)", in.Action, row.CanonicalID, row.RepoLogID)
			continue
		}
		switch in.Action {
		case ActionMarkDeleted:
			err = ctx.Activity(func(actx context.Context) error {
				return r.Store.MarkDeleted(actx, row.CanonicalID, "repolog")
			})
			if err == nil {
				res.MarkDeleted++
			}
		case ActionHardDelete:
			err = ctx.Activity(func(actx context.Context) error {
				return r.Store.HardDelete(actx, row.CanonicalID)
			})
			if err == nil {
				res.HardDeleted++
			}
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", row.CanonicalID, err))
		} else {
			r.warn("stale row %s: repolog id %s no longer exists (%s)", row.CanonicalID, row.RepoLogID, in.Action)
		}
	}
	return nil
}

// ScheduleInput configures the periodic sweep.
type ScheduleInput struct {
	Interval      time.Duration
	MaxIterations int // 0 runs forever
	Sweep         Input
}

// RunScheduled loops the sweep on a fixed interval; one failed iteration
// does not break the loop.
func (r *Reconciler) RunScheduled(ctx *workflow.Context, input interface{}) (interface{}, error) {
	in, ok := input.(ScheduleInput)
	if !ok {
		return nil, adapters.ValidationErrorf("scheduled-reconcile: unexpected input %T", input)
	}
	if in.Interval <= 0 {
		in.Interval = DefaultScheduleInterval
	}

	iterations := 0
	for {
		if ctx.Cancelled() {
			return iterations, workflow.ErrCancelled
		}
		iterations++
		if _, err := ctx.ExecuteChild(WorkflowName, "", in.Sweep); err != nil {
			r.warn("scheduled reconcile iteration %d failed: %v", iterations, err)
		}
		if in.MaxIterations > 0 && iterations >= in.MaxIterations {
			return iterations, nil
		}
		if err := ctx.Sleep(in.Interval); err != nil {
			return iterations, err
		}
	}
}
