// Package budget enforces per-task and per-organization-daily cost caps.
// It follows the same balance-check-before-action shape used for
// reputation scoring elsewhere in this lineage, generalized from a
// 0.0-1.0 trust score to a running USD spend total, and backed by
// Postgres instead of an in-memory-only cache.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentctl/core/internal/taskerr"
)

// Tracker enforces cost budgets before a task is scheduled and records
// actual spend as USAGE events arrive from the CLI runner.
type Tracker struct {
	db *sql.DB

	mu           sync.Mutex
	taskSpend    map[string]float64 // taskID -> USD spent so far
	orgDaySpend  map[string]float64 // "orgID:YYYY-MM-DD" -> USD spent today
	orgLifeSpend map[string]float64 // orgID -> USD spent all-time, never reset

	PerTaskUSD     float64
	PerOrgDailyUSD float64
	HardCapUSD     float64 // absolute per-org ceiling that outlives the daily reset (§5)
}

// NewTracker creates a Tracker backed by db. db may be nil, in which case
// spend is tracked purely in-memory (suitable for tests and for the
// in-memory queue mode). hardCapUSD is the absolute, non-resetting
// per-organization ceiling above the resettable daily cap (§5: "hard cap
// ≤ $200"); 0 disables it.
func NewTracker(db *sql.DB, perTaskUSD, perOrgDailyUSD, hardCapUSD float64) *Tracker {
	return &Tracker{
		db:             db,
		taskSpend:      make(map[string]float64),
		orgDaySpend:    make(map[string]float64),
		orgLifeSpend:   make(map[string]float64),
		PerTaskUSD:     perTaskUSD,
		PerOrgDailyUSD: perOrgDailyUSD,
		HardCapUSD:     hardCapUSD,
	}
}

// CheckBalance reports whether orgID has remaining daily budget, and has
// not reached its lifetime hard cap, to start a new task. Scheduling must call this before acquiring a workspace or
// issuing a token (§5, cost-budget enforcement).
func (t *Tracker) CheckBalance(ctx context.Context, orgID string) (bool, error) {
	spent, err := t.orgSpendToday(ctx, orgID)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	lifeSpent := t.orgLifeSpend[orgID]
	t.mu.Unlock()
	if t.HardCapUSD > 0 && lifeSpent >= t.HardCapUSD {
		return false, nil
	}

	if t.PerOrgDailyUSD <= 0 {
		return true, nil
	}
	return spent < t.PerOrgDailyUSD, nil
}

// RecordUsage accumulates cost for a running task, persisting to Postgres
// if configured, and returns taskerr.ErrBudgetExceeded once the org's
// lifetime hard cap (KindPermanent), the per-task cap or the per-org-daily
// cap (KindUser) is crossed. The scheduler treats that
// error as a cancellation trigger, not a hard failure of the CLI run.
func (t *Tracker) RecordUsage(ctx context.Context, orgID, taskID string, costUSD float64) error {
	t.mu.Lock()
	t.taskSpend[taskID] += costUSD
	taskTotal := t.taskSpend[taskID]
	dayKey := orgDayKey(orgID)
	t.orgDaySpend[dayKey] += costUSD
	orgTotal := t.orgDaySpend[dayKey]
	t.orgLifeSpend[orgID] += costUSD
	lifeTotal := t.orgLifeSpend[orgID]
	t.mu.Unlock()

	if t.db != nil {
		if _, err := t.db.ExecContext(ctx, `
			INSERT INTO task_spend (task_id, org_id, cost_usd, recorded_at)
			VALUES ($1, $2, $3, now())
		`, taskID, orgID, costUSD); err != nil {
			slog.Warn("budget: failed to persist usage record", "task_id", taskID, "error", err)
		}
	}

	slog.Info("budget: usage recorded", "org_id", orgID, "task_id", taskID, "cost_usd", costUSD,
		"task_total", taskTotal, "org_day_total", orgTotal)

	if t.HardCapUSD > 0 && lifeTotal > t.HardCapUSD {
		return taskerr.Wrap(taskerr.KindPermanent, fmt.Sprintf("budget.hard_cap[%s]", orgID), taskerr.ErrBudgetExceeded)
	}
	if t.PerTaskUSD > 0 && taskTotal > t.PerTaskUSD {
		return taskerr.Wrap(taskerr.KindUser, fmt.Sprintf("budget.task[%s]", taskID), taskerr.ErrBudgetExceeded)
	}
	if t.PerOrgDailyUSD > 0 && orgTotal > t.PerOrgDailyUSD {
		return taskerr.Wrap(taskerr.KindUser, fmt.Sprintf("budget.org_day[%s]", orgID), taskerr.ErrBudgetExceeded)
	}
	return nil
}

// TaskSpend returns the running total for a single task.
func (t *Tracker) TaskSpend(taskID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.taskSpend[taskID]
}

// ReleaseTask drops the in-memory counter for a finished task so the map
// doesn't grow unbounded. Org-daily counters are left for the day's
// remaining tasks and are evicted by evictStaleDays.
func (t *Tracker) ReleaseTask(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.taskSpend, taskID)
}

func (t *Tracker) orgSpendToday(ctx context.Context, orgID string) (float64, error) {
	dayKey := orgDayKey(orgID)

	t.mu.Lock()
	if v, ok := t.orgDaySpend[dayKey]; ok {
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()

	if t.db == nil {
		return 0, nil
	}

	var total sql.NullFloat64
	err := t.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM task_spend
		WHERE org_id = $1 AND recorded_at >= date_trunc('day', now())
	`, orgID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query org daily spend: %w", err)
	}

	t.mu.Lock()
	t.orgDaySpend[dayKey] = total.Float64
	t.mu.Unlock()

	return total.Float64, nil
}

// EvictStaleDays drops cached per-day totals for keys that are not
// today's, bounding the in-memory map's growth across long-lived process
// uptimes. Intended to be called from a daily janitor tick.
func (t *Tracker) EvictStaleDays() {
	today := time.Now().UTC().Format("2006-01-02")
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.orgDaySpend {
		if len(key) < len(today) || key[len(key)-len(today):] != today {
			delete(t.orgDaySpend, key)
		}
	}
}

func orgDayKey(orgID string) string {
	return orgID + ":" + time.Now().UTC().Format("2006-01-02")
}
