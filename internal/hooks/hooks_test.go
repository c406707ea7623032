package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentctl/core/internal/store"
)

func TestRunReturnsOkWithNoHooksRegistered(t *testing.T) {
	r := NewRegistry()
	out := r.Run(context.Background(), PointPreExecution, &store.Task{})
	assert.Equal(t, Ok, out.Disposition)
}

func TestRunShortCircuitsOnFirstNonOk(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(PointPreExecution, func(ctx context.Context, task *store.Task) Outcome {
		return Outcome{Disposition: Skip, Diagnostics: Diagnostics{Reason: "not applicable"}}
	})
	r.Register(PointPreExecution, func(ctx context.Context, task *store.Task) Outcome {
		called = true
		return Outcome{Disposition: Ok}
	})

	out := r.Run(context.Background(), PointPreExecution, &store.Task{})
	assert.Equal(t, Skip, out.Disposition)
	assert.False(t, called)
}

func TestRunTimesOutSlowHook(t *testing.T) {
	r := &Registry{hooks: make(map[Point][]Hook), timeout: 10 * time.Millisecond}
	r.Register(PointPostExecution, func(ctx context.Context, task *store.Task) Outcome {
		<-ctx.Done()
		time.Sleep(time.Millisecond)
		return Outcome{Disposition: Ok}
	})

	out := r.Run(context.Background(), PointPostExecution, &store.Task{})
	assert.Equal(t, Fail, out.Disposition)
	assert.Equal(t, "hook-timeout", out.Diagnostics.Reason)
}

func TestRunAllOkPassesThrough(t *testing.T) {
	r := NewRegistry()
	r.Register(PointOnError, func(ctx context.Context, task *store.Task) Outcome {
		return Outcome{Disposition: Ok}
	})
	r.Register(PointOnError, func(ctx context.Context, task *store.Task) Outcome {
		return Outcome{Disposition: Ok}
	})

	out := r.Run(context.Background(), PointOnError, &store.Task{})
	assert.Equal(t, Ok, out.Disposition)
}
