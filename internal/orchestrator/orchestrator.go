// Package orchestrator runs the all-projects sync: fetch the project list,
// bulk-prefetch issues, fan out one project-sync child per project with a
// circuit breaker around repeat offenders, and continue-as-new every few
// projects so history stays bounded. It also hosts the interval scheduler.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/debug"
	"github.com/vibeflow/vibesync/internal/projectsync"
	"github.com/vibeflow/vibesync/internal/types"
	"github.com/vibeflow/vibesync/internal/workflow"
)

// Workflow names registered by this package.
const (
	WorkflowName          = "full-sync"
	ScheduledWorkflowName = "scheduled-sync"
)

// Orchestration knobs.
const (
	MaxProjectsPerContinuation = 3
	FailureThreshold           = 3
	BulkPrefetchLimit          = 1000
	ProjectPacing              = 500 * time.Millisecond
	DefaultScheduleInterval    = 15 * time.Minute
)

// Input starts or continues a full sync. The continuation fields carry
// accumulated state across continue-as-new boundaries.
type Input struct {
	Projects  []string // filter; empty syncs everything
	BatchSize int
	DryRun    bool

	// Continuation state.
	ProjectList []string
	Prefetched  map[string][]types.WorkItem
	Cursor      int
	Result      *Result
	Failures    map[string]int
	StartedAt   time.Time
}

// ProjectOutcome is one project's result within a full sync.
type ProjectOutcome struct {
	Project      string
	Success      bool
	Skipped      bool // circuit breaker short-circuit
	IssuesSynced int
	Error        string
}

// Result accumulates across continue-as-new runs.
type Result struct {
	ProjectsProcessed int
	ProjectsSkipped   int
	IssuesSynced      int
	Outcomes          []ProjectOutcome
	Errors            []string
	DurationMs        int64
	Cancelled         bool
}

// Progress is the queryable state of a running full sync.
type Progress struct {
	Status            string    `json:"status"`
	CurrentProject    string    `json:"currentProject"`
	ProjectsTotal     int       `json:"projectsTotal"`
	ProjectsCompleted int       `json:"projectsCompleted"`
	IssuesSynced      int       `json:"issuesSynced"`
	Errors            []string  `json:"errors"`
	StartedAt         time.Time `json:"startedAt"`
	ElapsedMs         int64     `json:"elapsedMs"`
}

// progressState is shared between the workflow loop and query callers.
type progressState struct {
	mu   sync.Mutex
	snap Progress
}

func (p *progressState) update(fn func(*Progress)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
	p.snap.ElapsedMs = time.Since(p.snap.StartedAt).Milliseconds()
}

func (p *progressState) snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.snap
	snap.ElapsedMs = time.Since(snap.StartedAt).Milliseconds()
	snap.Errors = append([]string(nil), snap.Errors...)
	return snap
}

// Orchestrator fans the full sync out over project-sync children.
type Orchestrator struct {
	Tracker adapters.TrackerAdapter
	Metrics adapters.MetricsSink // optional

	OnMessage func(string)
	OnWarning func(string)

	// progress survives continue-as-new because the runtime keeps queries
	// registered across the boundary.
	progress progressState
}

// Register binds the orchestrator workflows on the runtime.
func (o *Orchestrator) Register(rt *workflow.Runtime) {
	rt.Register(WorkflowName, o.Run)
	rt.Register(ScheduledWorkflowName, o.RunScheduled)
}

func (o *Orchestrator) message(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("orchestrator: %s\n", msg)
	if o.OnMessage != nil {
		o.OnMessage(msg)
	}
}

func (o *Orchestrator) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("orchestrator: WARN %s\n", msg)
	if o.OnWarning != nil {
		o.OnWarning(msg)
	}
}

// Run is the full-sync workflow function.
func (o *Orchestrator) Run(ctx *workflow.Context, input interface{}) (interface{}, error) {
	in, ok := input.(Input)
	if !ok {
		return nil, adapters.ValidationErrorf("full-sync: unexpected input %T", input)
	}
	if in.Result == nil {
		in.Result = &Result{}
	}
	if in.Failures == nil {
		in.Failures = make(map[string]int)
	}
	if in.StartedAt.IsZero() {
		in.StartedAt = time.Now().UTC()
	}

	cancelCh := ctx.SignalChannel("cancel")
	ctx.SetQueryHandler("progress", func() interface{} {
		return o.progress.snapshot()
	})

	if in.ProjectList == nil {
		if err := o.discover(ctx, &in); err != nil {
			return in.Result, err
		}
	}
	o.progress.update(func(p *Progress) {
		p.Status = workflow.StatusRunning
		p.ProjectsTotal = len(in.ProjectList)
		p.ProjectsCompleted = in.Cursor
		p.IssuesSynced = in.Result.IssuesSynced
		p.StartedAt = in.StartedAt
	})

	processedThisRun := 0
	for i := in.Cursor; i < len(in.ProjectList); i++ {
		if o.cancelRequested(ctx, cancelCh) {
			return o.finish(ctx, &in, true)
		}
		if i > in.Cursor {
			if err := ctx.Sleep(ProjectPacing); err != nil {
				return in.Result, err
			}
		}
		project := in.ProjectList[i]
		o.progress.update(func(p *Progress) { p.CurrentProject = project })

		o.syncProject(ctx, &in, project)
		processedThisRun++
		o.progress.update(func(p *Progress) {
			p.ProjectsCompleted = i + 1
			p.IssuesSynced = in.Result.IssuesSynced
			p.Errors = append([]string(nil), in.Result.Errors...)
		})

		if processedThisRun >= MaxProjectsPerContinuation && i+1 < len(in.ProjectList) {
			next := in
			next.Cursor = i + 1
			debug.Logf("orchestrator: continue-as-new after %d projects (cursor %d)\n",
				processedThisRun, next.Cursor)
			return in.Result, ctx.ContinueAsNew(next)
		}
	}
	return o.finish(ctx, &in, false)
}

// discover fetches and filters the project list and bulk-prefetches issues.
// Prefetch failure falls back to per-project fetching inside the children.
func (o *Orchestrator) discover(ctx *workflow.Context, in *Input) error {
	var projects []types.Project
	err := ctx.Activity(func(actx context.Context) error {
		var aerr error
		projects, aerr = o.Tracker.ListProjects(actx)
		return aerr
	})
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(in.Projects))
	for _, p := range in.Projects {
		want[p] = true
	}
	in.ProjectList = []string{}
	for _, p := range projects {
		if len(want) > 0 && !want[p.Identifier] {
			continue
		}
		in.ProjectList = append(in.ProjectList, p.Identifier)
	}
	o.message("full sync over %d project(s)", len(in.ProjectList))

	if len(in.ProjectList) > 0 {
		err := ctx.Activity(func(actx context.Context) error {
			m, aerr := o.Tracker.ListIssuesBulk(actx, in.ProjectList, BulkPrefetchLimit)
			if aerr != nil {
				return aerr
			}
			in.Prefetched = m
			return nil
		})
		if err != nil {
			o.warn("bulk prefetch failed, children will fetch per project: %v", err)
			in.Prefetched = nil
		}
	}
	return nil
}

// syncProject runs one child sync, applying the circuit breaker.
func (o *Orchestrator) syncProject(ctx *workflow.Context, in *Input, project string) {
	if in.Failures[project] >= FailureThreshold {
		o.warn("project %s skipped: %d consecutive failures", project, in.Failures[project])
		in.Result.ProjectsSkipped++
		in.Result.Outcomes = append(in.Result.Outcomes, ProjectOutcome{
			Project: project,
			Skipped: true,
			Error:   fmt.Sprintf("circuit breaker open after %d failures", in.Failures[project]),
		})
		return
	}
	if in.DryRun {
		o.message("dry run: would sync project %s (%d prefetched issues)",
			project, len(in.Prefetched[project]))
		in.Result.ProjectsProcessed++
		in.Result.Outcomes = append(in.Result.Outcomes, ProjectOutcome{Project: project, Success: true})
		return
	}

	childInput := projectsync.Input{
		Project:          project,
		BatchSize:        in.BatchSize,
		PrefetchedIssues: in.Prefetched[project],
	}
	// Fresh id per invocation so retried projects never join a stale run.
	out, err := ctx.ExecuteChild(projectsync.WorkflowName, "project-sync-"+uuid.NewString(), childInput)
	in.Result.ProjectsProcessed++
	if err != nil {
		in.Failures[project]++
		in.Result.Errors = append(in.Result.Errors, fmt.Sprintf("%s: %v", project, err))
		in.Result.Outcomes = append(in.Result.Outcomes, ProjectOutcome{Project: project, Error: err.Error()})
		return
	}
	res, ok := out.(*projectsync.Result)
	if !ok {
		in.Failures[project]++
		in.Result.Errors = append(in.Result.Errors, fmt.Sprintf("%s: unexpected child result %T", project, out))
		return
	}
	synced := res.Phase1.Synced + res.Phase1.Created +
		res.Phase2.Synced +
		res.Phase3.Synced + res.Phase3B.Synced + res.Phase3B.Created +
		res.Phase3C.Created
	in.Result.IssuesSynced += synced
	if res.Success {
		delete(in.Failures, project)
	} else {
		in.Failures[project]++
		in.Result.Errors = append(in.Result.Errors, res.Errors...)
	}
	in.Result.Outcomes = append(in.Result.Outcomes, ProjectOutcome{
		Project:      project,
		Success:      res.Success,
		IssuesSynced: synced,
	})
}

func (o *Orchestrator) cancelRequested(ctx *workflow.Context, cancelCh <-chan interface{}) bool {
	select {
	case <-cancelCh:
		return true
	default:
	}
	return ctx.Cancelled()
}

// finish closes out the run: final progress, metrics, result.
func (o *Orchestrator) finish(ctx *workflow.Context, in *Input, cancelled bool) (*Result, error) {
	in.Result.Cancelled = cancelled
	in.Result.DurationMs = time.Since(in.StartedAt).Milliseconds()
	status := workflow.StatusCompleted
	if cancelled {
		status = workflow.StatusCancelled
	}
	o.progress.update(func(p *Progress) {
		p.Status = status
		p.CurrentProject = ""
	})
	o.message("full sync %s: %d project(s), %d issue(s), %d error(s) in %dms",
		status, in.Result.ProjectsProcessed, in.Result.IssuesSynced,
		len(in.Result.Errors), in.Result.DurationMs)

	if o.Metrics != nil {
		_ = ctx.Activity(func(actx context.Context) error {
			o.Metrics.RecordSyncRun(actx, in.Result.ProjectsProcessed, in.Result.IssuesSynced,
				len(in.Result.Errors), time.Duration(in.Result.DurationMs)*time.Millisecond)
			return nil
		})
	}
	if cancelled {
		return in.Result, workflow.ErrCancelled
	}
	return in.Result, nil
}

// ScheduleInput configures the interval scheduler.
type ScheduleInput struct {
	Interval      time.Duration
	MaxIterations int // 0 runs forever
	Sync          Input
}

// RunScheduled loops the full sync on a fixed interval. A failed iteration
// is logged and does not break the loop.
func (o *Orchestrator) RunScheduled(ctx *workflow.Context, input interface{}) (interface{}, error) {
	in, ok := input.(ScheduleInput)
	if !ok {
		return nil, adapters.ValidationErrorf("scheduled-sync: unexpected input %T", input)
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
		o.message("scheduled sync iteration %d", iterations)
		syncInput := in.Sync
		if _, err := ctx.ExecuteChild(WorkflowName, "", syncInput); err != nil {
			o.warn("scheduled sync iteration %d failed: %v", iterations, err)
		}
		if in.MaxIterations > 0 && iterations >= in.MaxIterations {
			return iterations, nil
		}
		if err := ctx.Sleep(in.Interval); err != nil {
			return iterations, err
		}
	}
}
