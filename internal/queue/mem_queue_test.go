package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/core/internal/store"
)

func TestMemQueueBandOrdering(t *testing.T) {
	q := NewMemQueue(DefaultLimits())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Entry{TaskID: "low-1", OrgID: "org-a", Priority: store.PriorityLow}))
	require.NoError(t, q.Enqueue(ctx, Entry{TaskID: "crit-1", OrgID: "org-a", Priority: store.PriorityCritical}))
	require.NoError(t, q.Enqueue(ctx, Entry{TaskID: "normal-1", OrgID: "org-a", Priority: store.PriorityNormal}))

	entry, ok, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "crit-1", entry.TaskID)
}

func TestMemQueueEnqueueIsIdempotent(t *testing.T) {
	q := NewMemQueue(DefaultLimits())
	ctx := context.Background()

	e := Entry{TaskID: "t-1", OrgID: "org-a", Priority: store.PriorityNormal}
	require.NoError(t, q.Enqueue(ctx, e))
	require.NoError(t, q.Enqueue(ctx, e))

	n, err := q.QueuedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemQueuePerOrgInFlightCap(t *testing.T) {
	limits := DefaultLimits()
	limits.PerOrgInFlight = 1
	q := NewMemQueue(limits)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Entry{TaskID: "t-1", OrgID: "org-a", Priority: store.PriorityNormal}))
	require.NoError(t, q.Enqueue(ctx, Entry{TaskID: "t-2", OrgID: "org-a", Priority: store.PriorityNormal}))

	_, ok, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Org already has one in-flight task; the second must wait.
	_, ok, err = q.Lease(ctx, "worker-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemQueueNackReschedulesAndDecrementsInFlight(t *testing.T) {
	q := NewMemQueue(DefaultLimits())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Entry{TaskID: "t-1", OrgID: "org-a", Priority: store.PriorityNormal}))
	leased, ok, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, leased.Attempt)

	require.NoError(t, q.Nack(ctx, "t-1", 0))

	global, org, err := q.InFlightCount(ctx, "org-a")
	require.NoError(t, err)
	assert.Equal(t, 0, global)
	assert.Equal(t, 0, org)

	leased, ok, err = q.Lease(ctx, "worker-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, leased.Attempt)
}

func TestMemQueueReclaimExpiredLeases(t *testing.T) {
	limits := DefaultLimits()
	limits.Visibility = time.Millisecond
	q := NewMemQueue(limits)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Entry{TaskID: "t-1", OrgID: "org-a", Priority: store.PriorityNormal}))
	_, ok, err := q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	n, err := q.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err = q.Lease(ctx, "worker-2")
	require.NoError(t, err)
	assert.True(t, ok)
}
