package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vibeflow/vibesync/internal/adapters"
)

// Activity retry policy defaults (see RetryPolicy).
const (
	DefaultActivityTimeout = 120 * time.Second
	DefaultInitialInterval = 2 * time.Second
	DefaultBackoffFactor   = 2.0
	DefaultMaxInterval     = 60 * time.Second
	DefaultMaxAttempts     = 5
)

// RetryPolicy bounds activity retries. Validation, not-found and conflict
// errors never retry regardless of the policy.
type RetryPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxAttempts     uint64
	Timeout         time.Duration
}

// DefaultRetryPolicy returns the standard activity policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: DefaultInitialInterval,
		BackoffFactor:   DefaultBackoffFactor,
		MaxInterval:     DefaultMaxInterval,
		MaxAttempts:     DefaultMaxAttempts,
		Timeout:         DefaultActivityTimeout,
	}
}

// Context is handed to workflow functions. It embeds the process context and
// adds the runtime services: sleep, activities, child workflows, signals,
// queries, cancellation and continue-as-new.
type Context struct {
	context.Context
	rt  *Runtime
	run *Run
}

// RunID returns the id of the current run.
func (c *Context) RunID() string { return c.run.id }

// Sleep pauses for d, returning early with the context error if the process
// context ends. A pending cancel signal does not interrupt a sleep; it is
// observed at the next boundary check.
func (c *Context) Sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.Done():
		return c.Err()
	case <-t.C:
		return nil
	}
}

// Cancelled reports whether cooperative cancellation was requested. Checked
// by workflows at item/batch/project boundaries.
func (c *Context) Cancelled() bool {
	if c.Err() != nil {
		return true
	}
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	return c.run.cancelled
}

// SetQueryHandler registers a named query on the current run. The handler
// must be safe to call from other goroutines.
func (c *Context) SetQueryHandler(name string, handler func() interface{}) {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	c.run.queries[name] = handler
}

// SignalChannel subscribes to a named signal (buffered, capacity 1).
func (c *Context) SignalChannel(name string) <-chan interface{} {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	ch, ok := c.run.signals[name]
	if !ok {
		ch = make(chan interface{}, 1)
		c.run.signals[name] = ch
	}
	return ch
}

// ContinueAsNew ends the current run and re-enters the workflow function
// with input. Callers return the result directly:
//
//	return nil, ctx.ContinueAsNew(nextState)
func (c *Context) ContinueAsNew(input interface{}) error {
	return NewContinueAsNew(input)
}

// Activity runs fn under the default retry policy.
func (c *Context) Activity(fn func(ctx context.Context) error) error {
	return c.ActivityWithPolicy(DefaultRetryPolicy(), fn)
}

// ActivityWithPolicy runs fn with a bounded timeout per attempt and
// exponential backoff between attempts. Non-retryable error kinds
// short-circuit.
func (c *Context) ActivityWithPolicy(policy RetryPolicy, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.Multiplier = policy.BackoffFactor
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	op := func() error {
		actx := context.Context(c)
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, policy.Timeout)
			defer cancel()
		}
		if err := fn(actx); err != nil {
			if adapters.IsNonRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), c))
}

// ExecuteChild runs a registered workflow as a child and waits for its
// result. An empty runID gets a fresh uuid; a runID that is already running
// joins the existing execution.
func (c *Context) ExecuteChild(name, runID string, input interface{}) (interface{}, error) {
	return c.rt.Execute(c, name, runID, input)
}

// StartChild launches a child workflow without waiting.
func (c *Context) StartChild(name, runID string, input interface{}) (*Run, error) {
	return c.rt.Start(c, name, runID, input)
}
