package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/core/internal/taskerr"
)

func TestCheckBalanceAllowsUnderCap(t *testing.T) {
	tr := NewTracker(nil, 1.00, 100.00, 0)
	ok, err := tr.CheckBalance(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordUsageRejectsOverPerTaskCap(t *testing.T) {
	tr := NewTracker(nil, 1.00, 100.00, 0)

	err := tr.RecordUsage(context.Background(), "acme", "t-1", 0.60)
	require.NoError(t, err)

	err = tr.RecordUsage(context.Background(), "acme", "t-1", 0.60)
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrBudgetExceeded)
	assert.Equal(t, taskerr.KindUser, taskerr.KindOf(err))
}

func TestRecordUsageRejectsOverOrgDailyCap(t *testing.T) {
	tr := NewTracker(nil, 100.00, 1.00, 0)

	err := tr.RecordUsage(context.Background(), "acme", "t-1", 0.50)
	require.NoError(t, err)
	err = tr.RecordUsage(context.Background(), "acme", "t-2", 0.60)
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrBudgetExceeded)
}

func TestCheckBalanceBlocksAtDailyCap(t *testing.T) {
	tr := NewTracker(nil, 100.00, 1.00, 0)
	// Spending exactly the cap doesn't cross ">" the threshold, so
	// RecordUsage itself doesn't reject it...
	err := tr.RecordUsage(context.Background(), "acme", "t-1", 1.00)
	require.NoError(t, err)

	// ...but CheckBalance uses a strict "<" for remaining headroom, so the
	// next task is blocked before it is even scheduled.
	ok, err := tr.CheckBalance(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseTaskDropsTaskCounter(t *testing.T) {
	tr := NewTracker(nil, 1.00, 100.00, 0)
	_ = tr.RecordUsage(context.Background(), "acme", "t-1", 0.30)
	assert.Equal(t, 0.30, tr.TaskSpend("t-1"))

	tr.ReleaseTask("t-1")
	assert.Equal(t, 0.0, tr.TaskSpend("t-1"))
}

func TestRecordUsageTripsHardCapAsPermanentError(t *testing.T) {
	tr := NewTracker(nil, 100.00, 100.00, 1.50)

	err := tr.RecordUsage(context.Background(), "acme", "t-1", 1.00)
	require.NoError(t, err)

	err = tr.RecordUsage(context.Background(), "acme", "t-2", 0.60)
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrBudgetExceeded)
	assert.Equal(t, taskerr.KindPermanent, taskerr.KindOf(err))
}

func TestCheckBalanceBlocksAtHardCapAcrossDays(t *testing.T) {
	tr := NewTracker(nil, 100.00, 100.00, 1.00)
	_ = tr.RecordUsage(context.Background(), "acme", "t-1", 1.00)

	// The hard cap never resets, unlike orgDaySpend, so CheckBalance must
	// keep rejecting even though today's per-day spend would otherwise
	// look fresh on a new day.
	delete(tr.orgDaySpend, orgDayKey("acme"))
	ok, err := tr.CheckBalance(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictStaleDaysKeepsToday(t *testing.T) {
	tr := NewTracker(nil, 1.00, 100.00, 0)
	_ = tr.RecordUsage(context.Background(), "acme", "t-1", 0.10)
	tr.orgDaySpend["acme:2000-01-01"] = 5.0

	tr.EvictStaleDays()

	_, stale := tr.orgDaySpend["acme:2000-01-01"]
	assert.False(t, stale)
	assert.Len(t, tr.orgDaySpend, 1)
}
