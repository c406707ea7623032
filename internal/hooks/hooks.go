// Package hooks implements the Hook Runner (C9): four lifecycle hook
// points the scheduler calls around a task's execution, each a pure
// function of (task, context) with a 30s timeout. Grounded on the
// same context.WithTimeout-guarded callback pattern the scheduler uses
// for every other bounded operation in this lineage.
package hooks

import (
	"context"
	"time"

	"github.com/agentctl/core/internal/store"
)

// Point identifies one of the four hook points.
type Point string

const (
	PointPreExecution  Point = "pre-execution"
	PointPostExecution Point = "post-execution"
	PointOnError       Point = "on-error"
	PointOnTimeout     Point = "on-timeout"
)

// Disposition is the verdict a hook returns.
type Disposition string

const (
	Ok         Disposition = "ok"
	Skip       Disposition = "skip"
	Fail       Disposition = "fail"
	RetryAfter Disposition = "retry_after"
)

// Diagnostics carries structured detail about a hook's verdict.
type Diagnostics struct {
	Reason      string
	RetryAfter  time.Duration
	Fields      map[string]interface{}
}

// Outcome is a hook's full result.
type Outcome struct {
	Disposition Disposition
	Diagnostics Diagnostics
}

// Hook is a side-effect-free function of a task and ambient context.
// Hooks never post to the source provider — that is the Result Poster's
// sole responsibility.
type Hook func(ctx context.Context, task *store.Task) Outcome

const defaultTimeout = 30 * time.Second

// Registry holds the hooks registered for each point. Multiple hooks per
// point run in registration order; the first non-Ok outcome short-circuits
// the rest.
type Registry struct {
	hooks   map[Point][]Hook
	timeout time.Duration
}

// NewRegistry creates an empty Registry with the default 30s hook timeout.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Point][]Hook), timeout: defaultTimeout}
}

// Register adds fn to run at point, after any hooks already registered there.
func (r *Registry) Register(point Point, fn Hook) {
	r.hooks[point] = append(r.hooks[point], fn)
}

// Run invokes every hook registered at point in order, enforcing the
// per-hook timeout. A hook that exceeds it is treated as Fail with
// diagnostic "hook-timeout". The first non-Ok outcome is returned
// immediately; Ok is returned if every hook passes (or none are registered).
func (r *Registry) Run(ctx context.Context, point Point, task *store.Task) Outcome {
	for _, hook := range r.hooks[point] {
		outcome := r.runOne(ctx, hook, task)
		if outcome.Disposition != Ok {
			return outcome
		}
	}
	return Outcome{Disposition: Ok}
}

func (r *Registry) runOne(ctx context.Context, hook Hook, task *store.Task) Outcome {
	hookCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := make(chan Outcome, 1)
	go func() {
		result <- hook(hookCtx, task)
	}()

	select {
	case out := <-result:
		return out
	case <-hookCtx.Done():
		return Outcome{Disposition: Fail, Diagnostics: Diagnostics{Reason: "hook-timeout"}}
	}
}
