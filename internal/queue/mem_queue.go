package queue

import (
	"context"
	"sync"
	"time"

	"github.com/agentctl/core/internal/taskerr"
)

type memEntry struct {
	Entry
	leaseOwner  string
	leaseExpiry time.Time
	leased      bool
}

// MemQueue is an in-process Queue for tests and QUEUE_URL=mem:// local runs.
type MemQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	limits  Limits

	globalInFlight int
	orgInFlight    map[string]int
}

// NewMemQueue creates an empty MemQueue.
func NewMemQueue(limits Limits) *MemQueue {
	return &MemQueue{
		entries:     make(map[string]*memEntry),
		limits:      limits,
		orgInFlight: make(map[string]int),
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[e.TaskID]; exists {
		return nil
	}
	if e.ScheduledFor.IsZero() {
		e.ScheduledFor = time.Now()
	}
	q.entries[e.TaskID] = &memEntry{Entry: e}
	return nil
}

func (q *MemQueue) Lease(ctx context.Context, workerID string) (*Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limits.GlobalInFlight > 0 && q.globalInFlight >= q.limits.GlobalInFlight {
		return nil, false, nil
	}

	now := time.Now()
	for _, band := range bandOrder {
		var best *memEntry
		for _, e := range q.entries {
			if e.leased || e.Priority != band || e.ScheduledFor.After(now) {
				continue
			}
			if q.limits.PerOrgInFlight > 0 && q.orgInFlight[e.OrgID] >= q.limits.PerOrgInFlight {
				continue
			}
			if best == nil || e.ScheduledFor.Before(best.ScheduledFor) {
				best = e
			}
		}
		if best != nil {
			best.leased = true
			best.leaseOwner = workerID
			best.leaseExpiry = now.Add(visibilityOr(q.limits.Visibility))
			best.Attempt++
			q.globalInFlight++
			q.orgInFlight[best.OrgID]++
			cp := best.Entry
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (q *MemQueue) Heartbeat(ctx context.Context, taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[taskID]
	if !ok || e.leaseOwner != workerID || !e.leased {
		return taskerr.ErrLeaseExpired
	}
	if time.Now().After(e.leaseExpiry) {
		return taskerr.ErrLeaseExpired
	}
	e.leaseExpiry = time.Now().Add(visibilityOr(q.limits.Visibility))
	return nil
}

func (q *MemQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[taskID]
	if !ok {
		return nil
	}
	if e.leased {
		q.globalInFlight--
		q.orgInFlight[e.OrgID]--
	}
	delete(q.entries, taskID)
	return nil
}

func (q *MemQueue) Nack(ctx context.Context, taskID string, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[taskID]
	if !ok {
		return nil
	}
	if e.leased {
		q.globalInFlight--
		q.orgInFlight[e.OrgID]--
	}
	e.leased = false
	e.leaseOwner = ""
	e.ScheduledFor = time.Now().Add(retryAfter)
	return nil
}

func (q *MemQueue) QueuedCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if !e.leased {
			n++
		}
	}
	return n, nil
}

func (q *MemQueue) InFlightCount(ctx context.Context, orgID string) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.globalInFlight, q.orgInFlight[orgID], nil
}

// ReclaimExpiredLeases mirrors RedisQueue's janitor behavior for parity in tests.
func (q *MemQueue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	now := time.Now()
	for _, e := range q.entries {
		if e.leased && now.After(e.leaseExpiry) {
			e.leased = false
			e.leaseOwner = ""
			e.ScheduledFor = now
			q.globalInFlight--
			q.orgInFlight[e.OrgID]--
			n++
		}
	}
	return n, nil
}

func visibilityOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Minute
	}
	return d
}

var _ Queue = (*MemQueue)(nil)
