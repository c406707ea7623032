package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayCapsAt300Seconds(t *testing.T) {
	d := backoffDelay(20) // 2^20 is huge; must clamp to 300s * jitter
	assert.GreaterOrEqual(t, d, 300*time.Second)
	assert.LessOrEqual(t, d, 330*time.Second)
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	d0 := backoffDelay(0)
	d3 := backoffDelay(3)
	assert.GreaterOrEqual(t, d0, 1*time.Second)
	assert.Less(t, d0, 2*time.Second)
	assert.GreaterOrEqual(t, d3, 8*time.Second)
	assert.Less(t, d3, 9*time.Second)
}

func TestBackoffDelayNegativeAttemptTreatedAsZero(t *testing.T) {
	d := backoffDelay(-5)
	assert.GreaterOrEqual(t, d, 1*time.Second)
	assert.Less(t, d, 2*time.Second)
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	p := New(Config{})
	assert.False(t, p.Cancel("no-such-task"))
}

func TestCancelKnownTaskInvokesCancelFunc(t *testing.T) {
	p := New(Config{})
	called := false
	_, cancel := context.WithCancel(context.Background())
	p.cancelled["task-1"] = func() { called = true; cancel() }

	assert.True(t, p.Cancel("task-1"))
	assert.True(t, called)
}

func TestActiveWorkersReflectsCancelledMap(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, 0, p.ActiveWorkers())

	p.cancelled["a"] = func() {}
	p.cancelled["b"] = func() {}
	assert.Equal(t, 2, p.ActiveWorkers())
}

func TestNewDefaultsPoolSizeToTen(t *testing.T) {
	p := New(Config{})
	assert.Equal(t, 10, p.cfg.PoolSize)
}

func TestNewHonorsExplicitPoolSize(t *testing.T) {
	p := New(Config{PoolSize: 3})
	assert.Equal(t, 3, p.cfg.PoolSize)
}
