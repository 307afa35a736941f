// Package workflow provides the small in-process workflow runtime the sync
// orchestrator runs on: named workflow registration, start/execute, child
// workflows, signals, queries, pacing sleeps, retrying activities and the
// continue-as-new tail call. The surface mirrors what a hosted durable
// runtime provides so the orchestration code stays portable; this runtime
// trades durability for zero infrastructure.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fn is a registered workflow function. Input and output travel as plain
// values; workflows that continue-as-new must hand ContinueAsNew an input of
// the same type they accept.
type Fn func(ctx *Context, input interface{}) (interface{}, error)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ContinueAsNewError is the tail-call-return of a workflow: the current run
// ends and the function re-enters with Input. It is not a failure; the
// runtime (and any broad catch in between) must detect it with
// IsContinueAsNew and re-raise, never by matching strings.
type ContinueAsNewError struct {
	Input interface{}
}

func (e *ContinueAsNewError) Error() string { return "workflow continue-as-new" }

// NewContinueAsNew builds the tail-call error carrying the next run's input.
func NewContinueAsNew(input interface{}) error {
	return &ContinueAsNewError{Input: input}
}

// IsContinueAsNew reports whether err is (or wraps) a continue-as-new and
// returns the carried input.
func IsContinueAsNew(err error) (interface{}, bool) {
	var can *ContinueAsNewError
	if errors.As(err, &can) {
		return can.Input, true
	}
	return nil, false
}

// ErrCancelled is returned by runs that observed a cancel before finishing.
var ErrCancelled = errors.New("workflow cancelled")

// RunInfo is the queryable summary of a run, used by the CLI listings.
type RunInfo struct {
	ID            string
	Workflow      string
	Status        string
	StartedAt     time.Time
	ClosedAt      time.Time
	Continuations int
	Error         string
}

// Run is one workflow execution (across all of its continue-as-new runs).
type Run struct {
	id       string
	workflow string

	mu            sync.Mutex
	status        string
	startedAt     time.Time
	closedAt      time.Time
	continuations int
	result        interface{}
	err           error
	queries       map[string]func() interface{}
	signals       map[string]chan interface{}
	cancelled     bool

	done chan struct{}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Info snapshots the run summary.
func (r *Run) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := RunInfo{
		ID:            r.id,
		Workflow:      r.workflow,
		Status:        r.status,
		StartedAt:     r.startedAt,
		ClosedAt:      r.closedAt,
		Continuations: r.continuations,
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	return info
}

// Result blocks until the run closes or ctx expires.
func (r *Run) Result(ctx context.Context) (interface{}, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Signal delivers a named signal. Unknown names are dropped: signals a
// workflow never subscribed to cannot block the sender.
func (r *Run) Signal(name string, payload interface{}) {
	r.mu.Lock()
	ch, ok := r.signals[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// Cancel requests cooperative cancellation. The workflow observes it at its
// next item/batch/project boundary.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Query invokes a registered query handler.
func (r *Run) Query(name string) (interface{}, error) {
	r.mu.Lock()
	h, ok := r.queries[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no query handler %q on run %s", name, r.id)
	}
	return h(), nil
}

func (r *Run) close(result interface{}, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
	r.err = err
	r.closedAt = time.Now().UTC()
	switch {
	case errors.Is(err, ErrCancelled):
		r.status = StatusCancelled
	case err != nil:
		r.status = StatusFailed
	default:
		r.status = StatusCompleted
	}
	close(r.done)
}

// Runtime registers workflows and tracks their runs.
type Runtime struct {
	taskQueue string

	mu        sync.Mutex
	workflows map[string]Fn
	runs      map[string]*Run
	recent    []*Run // bounded history, newest last
}

// maxRecentRuns bounds the in-memory run history for CLI listings.
const maxRecentRuns = 256

// NewRuntime creates a runtime for the given task queue name.
func NewRuntime(taskQueue string) *Runtime {
	return &Runtime{
		taskQueue: taskQueue,
		workflows: make(map[string]Fn),
		runs:      make(map[string]*Run),
	}
}

// TaskQueue returns the queue name the runtime was created with.
func (rt *Runtime) TaskQueue() string { return rt.taskQueue }

// Register binds a workflow function to a name. Last registration wins.
func (rt *Runtime) Register(name string, fn Fn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.workflows[name] = fn
}

// Start launches a workflow asynchronously. An empty runID gets a fresh
// uuid. Starting an id that is already running returns the running run
// unchanged, which makes keyed starts idempotent.
func (rt *Runtime) Start(ctx context.Context, name, runID string, input interface{}) (*Run, error) {
	rt.mu.Lock()
	fn, ok := rt.workflows[name]
	if !ok {
		rt.mu.Unlock()
		return nil, fmt.Errorf("workflow %q not registered", name)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if existing, ok := rt.runs[runID]; ok {
		existing.mu.Lock()
		running := existing.status == StatusRunning
		existing.mu.Unlock()
		if running {
			rt.mu.Unlock()
			return existing, nil
		}
	}
	run := &Run{
		id:        runID,
		workflow:  name,
		status:    StatusRunning,
		startedAt: time.Now().UTC(),
		queries:   make(map[string]func() interface{}),
		signals:   make(map[string]chan interface{}),
		done:      make(chan struct{}),
	}
	rt.runs[runID] = run
	rt.recent = append(rt.recent, run)
	if len(rt.recent) > maxRecentRuns {
		rt.recent = rt.recent[len(rt.recent)-maxRecentRuns:]
	}
	rt.mu.Unlock()

	go rt.drive(ctx, fn, run, input)
	return run, nil
}

// Execute runs a workflow synchronously and returns its final result.
func (rt *Runtime) Execute(ctx context.Context, name, runID string, input interface{}) (interface{}, error) {
	run, err := rt.Start(ctx, name, runID, input)
	if err != nil {
		return nil, err
	}
	return run.Result(ctx)
}

// drive loops the workflow function across continue-as-new boundaries.
func (rt *Runtime) drive(ctx context.Context, fn Fn, run *Run, input interface{}) {
	wctx := &Context{Context: ctx, rt: rt, run: run}
	for {
		result, err := fn(wctx, input)
		if next, ok := IsContinueAsNew(err); ok {
			run.mu.Lock()
			run.continuations++
			// Queries and signal subscriptions survive the boundary; history
			// (the input) is what gets truncated.
			run.mu.Unlock()
			input = next
			continue
		}
		run.close(result, err)
		return
	}
}

// GetRun returns a run by id, nil when unknown.
func (rt *Runtime) GetRun(runID string) *Run {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.runs[runID]
}

// Recent lists the most recent runs, newest first, up to limit (0 = all kept).
func (rt *Runtime) Recent(limit int) []RunInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]RunInfo, 0, len(rt.recent))
	for i := len(rt.recent) - 1; i >= 0; i-- {
		out = append(out, rt.recent[i].Info())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Failed lists recent runs that closed with a failure, newest first.
func (rt *Runtime) Failed(limit int) []RunInfo {
	var out []RunInfo
	for _, info := range rt.Recent(0) {
		if info.Status == StatusFailed {
			out = append(out, info)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}
