// Package queue implements the Durable Queue (C3): an at-least-once,
// priority-banded task queue with visibility-timeout leases, grounded on
// the insert-on-claim / CAS-reclaim leasing pattern used elsewhere in the
// corpus for worker leases, adapted here to Redis sorted sets so the
// queue survives process restart independent of the Task Store.
package queue

import (
	"context"
	"time"

	"github.com/agentctl/core/internal/store"
)

// Entry is one queued reference to a task. The queue only ever stores the
// task id, priority and scheduling metadata — task content lives in the
// Task Store (C8).
type Entry struct {
	TaskID       string
	OrgID        string
	Priority     store.Priority
	ScheduledFor time.Time
	Attempt      int
}

// Limits bounds admission and in-flight concurrency (§4.3, §6).
type Limits struct {
	GlobalInFlight int // MAX_CONCURRENT_TASKS, default 10
	PerOrgInFlight int // MAX_PER_ORG_TASKS, default 2
	SoftLimit      int // QUEUE_SOFT_LIMIT, default 1000
	HardLimit      int // always admits critical priority up to this
	Visibility     time.Duration
}

// DefaultLimits matches the defaults named in spec §6.
func DefaultLimits() Limits {
	return Limits{
		GlobalInFlight: 10,
		PerOrgInFlight: 2,
		SoftLimit:      1000,
		HardLimit:      5000,
		Visibility:     10 * time.Minute,
	}
}

// Queue is the durable queue port consumed by the Scheduler (C5) and
// Webhook Ingress (C4).
type Queue interface {
	// Enqueue inserts a queue record. Idempotent on TaskID: re-enqueuing
	// the same task id is a no-op.
	Enqueue(ctx context.Context, e Entry) error

	// Lease atomically selects one eligible record honoring band ordering
	// and the global/per-org in-flight caps, and marks it leased.
	// Returns (nil, false, nil) when nothing is eligible right now.
	Lease(ctx context.Context, workerID string) (*Entry, bool, error)

	// Heartbeat extends a lease. Fails with taskerr.ErrLeaseExpired if the
	// lease expired or is held by another worker.
	Heartbeat(ctx context.Context, taskID, workerID string) error

	// Ack removes the queue record; the caller has already transitioned
	// the Task Store to a terminal state.
	Ack(ctx context.Context, taskID string) error

	// Nack clears the lease and reschedules availability at now+retryAfter.
	// The attempt counter is not changed here; the next Lease bumps it.
	Nack(ctx context.Context, taskID string, retryAfter time.Duration) error

	// QueuedCount reports the current total queued depth, used by the
	// ingress for backpressure decisions (§4.3).
	QueuedCount(ctx context.Context) (int, error)

	// InFlightCount reports currently leased tasks globally and for orgID.
	InFlightCount(ctx context.Context, orgID string) (global int, org int, err error)
}

// bandOrder is the strict priority ordering a Lease call walks (§4.3).
var bandOrder = []store.Priority{
	store.PriorityCritical,
	store.PriorityHigh,
	store.PriorityNormal,
	store.PriorityLow,
}
