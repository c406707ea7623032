package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/taskerr"
)

// leaseScript atomically walks one priority band (sorted set, score =
// scheduled-for unix time) and claims the first candidate whose
// organization is still under its per-org in-flight cap, respecting the
// global in-flight cap. Returns the claimed task id, or an empty string
// if nothing in this band is eligible right now.
const leaseScript = `
local band = KEYS[1]
local globalKey = KEYS[2]
local leasesKey = KEYS[3]
local now = tonumber(ARGV[1])
local visibility = tonumber(ARGV[2])
local globalCap = tonumber(ARGV[3])
local perOrgCap = tonumber(ARGV[4])
local maxScan = tonumber(ARGV[5])
local workerID = ARGV[6]

local globalCount = tonumber(redis.call('GET', globalKey) or '0')
if globalCount >= globalCap then
	return ''
end

local candidates = redis.call('ZRANGEBYSCORE', band, '-inf', now, 'LIMIT', 0, maxScan)
for _, taskID in ipairs(candidates) do
	local entryKey = 'queue:entry:' .. taskID
	local orgID = redis.call('HGET', entryKey, 'org_id')
	if orgID then
		local orgKey = 'queue:inflight:org:' .. orgID
		local orgCount = tonumber(redis.call('GET', orgKey) or '0')
		if orgCount < perOrgCap then
			redis.call('ZREM', band, taskID)
			redis.call('ZADD', leasesKey, now + visibility, taskID)
			redis.call('HSET', entryKey, 'lease_owner', workerID, 'lease_expires_at', now + visibility)
			redis.call('HINCRBY', entryKey, 'attempt', 1)
			redis.call('INCR', globalKey)
			redis.call('INCR', orgKey)
			return taskID
		end
	end
end
return ''
`

// RedisQueue implements Queue against Redis sorted sets, one per priority
// band, with Lua EVAL claiming to keep the lease decision atomic.
type RedisQueue struct {
	rdb    *redis.Client
	limits Limits
	script *redis.Script
}

// NewRedisQueue wraps an existing *redis.Client (shared with C4's
// idempotency store via infra.GoRedisAdapter.Raw()).
func NewRedisQueue(rdb *redis.Client, limits Limits) *RedisQueue {
	return &RedisQueue{rdb: rdb, limits: limits, script: redis.NewScript(leaseScript)}
}

func bandKey(p store.Priority) string   { return "queue:band:" + string(p) }
func entryKey(taskID string) string     { return "queue:entry:" + taskID }
func orgInflightKey(org string) string  { return "queue:inflight:org:" + org }
func globalInflightKey() string         { return "queue:inflight:global" }
func leasesKey() string                 { return "queue:leases" }

func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) error {
	exists, err := q.rdb.Exists(ctx, entryKey(e.TaskID)).Result()
	if err != nil {
		return fmt.Errorf("check existing entry: %w", err)
	}
	if exists == 1 {
		return nil // idempotent re-enqueue
	}

	if e.ScheduledFor.IsZero() {
		e.ScheduledFor = time.Now()
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, entryKey(e.TaskID), map[string]interface{}{
		"org_id":        e.OrgID,
		"priority":      string(e.Priority),
		"scheduled_for": e.ScheduledFor.Unix(),
		"attempt":       e.Attempt,
	})
	pipe.ZAdd(ctx, bandKey(e.Priority), redis.Z{Score: float64(e.ScheduledFor.Unix()), Member: e.TaskID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Lease(ctx context.Context, workerID string) (*Entry, bool, error) {
	visibility := q.limits.Visibility
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	now := time.Now().Unix()

	for _, band := range bandOrder {
		res, err := q.script.Run(ctx, q.rdb,
			[]string{bandKey(band), globalInflightKey(), leasesKey()},
			now, int64(visibility.Seconds()), q.limits.GlobalInFlight, q.limits.PerOrgInFlight, 50, workerID,
		).Text()
		if err != nil && err != redis.Nil {
			return nil, false, fmt.Errorf("lease script (band %s): %w", band, err)
		}
		if res == "" {
			continue
		}

		fields, err := q.rdb.HGetAll(ctx, entryKey(res)).Result()
		if err != nil {
			return nil, false, fmt.Errorf("read leased entry: %w", err)
		}
		attempt, _ := strconv.Atoi(fields["attempt"])
		sched, _ := strconv.ParseInt(fields["scheduled_for"], 10, 64)
		return &Entry{
			TaskID:       res,
			OrgID:        fields["org_id"],
			Priority:     store.Priority(fields["priority"]),
			ScheduledFor: time.Unix(sched, 0),
			Attempt:      attempt,
		}, true, nil
	}
	return nil, false, nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, taskID, workerID string) error {
	owner, err := q.rdb.HGet(ctx, entryKey(taskID), "lease_owner").Result()
	if err == redis.Nil || owner != workerID {
		return taskerr.ErrLeaseExpired
	}
	if err != nil {
		return fmt.Errorf("read lease owner: %w", err)
	}

	visibility := q.limits.Visibility
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	newExpiry := time.Now().Add(visibility)

	// Fail if the lease already expired (no renewal past the reclaim window).
	score, err := q.rdb.ZScore(ctx, leasesKey(), taskID).Result()
	if err == redis.Nil || (err == nil && score < float64(time.Now().Unix())) {
		return taskerr.ErrLeaseExpired
	}
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read lease score: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, leasesKey(), redis.Z{Score: float64(newExpiry.Unix()), Member: taskID})
	pipe.HSet(ctx, entryKey(taskID), "lease_expires_at", newExpiry.Unix())
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	orgID, _ := q.rdb.HGet(ctx, entryKey(taskID), "org_id").Result()
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, leasesKey(), taskID)
	pipe.Del(ctx, entryKey(taskID))
	if orgID != "" {
		pipe.Decr(ctx, orgInflightKey(orgID))
		pipe.Decr(ctx, globalInflightKey())
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, taskID string, retryAfter time.Duration) error {
	fields, err := q.rdb.HGetAll(ctx, entryKey(taskID)).Result()
	if err != nil || len(fields) == 0 {
		return fmt.Errorf("read entry for nack: %w", err)
	}
	orgID := fields["org_id"]
	priority := store.Priority(fields["priority"])
	availableAt := time.Now().Add(retryAfter)

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, leasesKey(), taskID)
	pipe.ZAdd(ctx, bandKey(priority), redis.Z{Score: float64(availableAt.Unix()), Member: taskID})
	pipe.HSet(ctx, entryKey(taskID), map[string]interface{}{
		"scheduled_for": availableAt.Unix(),
		"lease_owner":   "",
	})
	pipe.HDel(ctx, entryKey(taskID), "lease_expires_at")
	if orgID != "" {
		pipe.Decr(ctx, orgInflightKey(orgID))
		pipe.Decr(ctx, globalInflightKey())
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

func (q *RedisQueue) QueuedCount(ctx context.Context) (int, error) {
	total := int64(0)
	for _, band := range bandOrder {
		n, err := q.rdb.ZCard(ctx, bandKey(band)).Result()
		if err != nil {
			return 0, fmt.Errorf("count band %s: %w", band, err)
		}
		total += n
	}
	return int(total), nil
}

func (q *RedisQueue) InFlightCount(ctx context.Context, orgID string) (int, int, error) {
	global, err := q.rdb.Get(ctx, globalInflightKey()).Int()
	if err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("read global inflight: %w", err)
	}
	var org int
	if orgID != "" {
		org, err = q.rdb.Get(ctx, orgInflightKey(orgID)).Int()
		if err != nil && err != redis.Nil {
			return 0, 0, fmt.Errorf("read org inflight: %w", err)
		}
	}
	return global, org, nil
}

// ReclaimExpiredLeases moves tasks whose lease expired with no heartbeat
// back onto their priority band, making them re-leasable (§8 invariant 5).
// Intended to be polled by the scheduler's janitor goroutine.
func (q *RedisQueue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := q.rdb.ZRangeByScore(ctx, leasesKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	n := 0
	for _, taskID := range expired {
		fields, err := q.rdb.HGetAll(ctx, entryKey(taskID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		orgID := fields["org_id"]
		priority := store.Priority(fields["priority"])

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, leasesKey(), taskID)
		pipe.ZAdd(ctx, bandKey(priority), redis.Z{Score: float64(now.Unix()), Member: taskID})
		pipe.HSet(ctx, entryKey(taskID), "lease_owner", "")
		pipe.HDel(ctx, entryKey(taskID), "lease_expires_at")
		if orgID != "" {
			pipe.Decr(ctx, orgInflightKey(orgID))
			pipe.Decr(ctx, globalInflightKey())
		}
		if _, err := pipe.Exec(ctx); err == nil {
			n++
		}
	}
	return n, nil
}

var _ Queue = (*RedisQueue)(nil)
