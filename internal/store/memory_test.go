package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/core/internal/taskerr"
)

func TestMemStoreCreateAndGetTask(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	task := &Task{
		ID:           "t-1",
		OrgID:        "org-acme",
		Command:      CommandReview,
		Priority:     PriorityNormal,
		ScheduledFor: time.Now(),
	}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "org-acme", got.OrgID)
}

func TestMemStoreGetTaskNotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, taskerr.ErrNotFound)
}

func TestMemStoreClaimThenRenewThenRelease(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	task := &Task{ID: "t-2", OrgID: "org-acme", ScheduledFor: time.Now()}
	require.NoError(t, s.CreateTask(ctx, task))

	ok, err := s.TryClaimTask(ctx, "t-2", "worker-a", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim attempt by a different worker must fail while the lease is live.
	ok, err = s.TryClaimTask(ctx, "t-2", "worker-b", time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewLease(ctx, "t-2", "worker-a", time.Now().Add(20*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "t-2", "worker-a"))

	got, err := s.GetTask(ctx, "t-2")
	require.NoError(t, err)
	assert.Empty(t, got.LeaseOwner)
}

func TestMemStoreSetStatusRejectsInvalidTransition(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	task := &Task{ID: "t-3", OrgID: "org-acme", ScheduledFor: time.Now()}
	require.NoError(t, s.CreateTask(ctx, task))

	// queued -> running is not a direct transition; must go through leased.
	err := s.SetStatus(ctx, "t-3", StatusRunning, "bad transition")
	assert.Error(t, err)

	require.NoError(t, s.SetStatus(ctx, "t-3", StatusLeased, "leased by worker-a"))
	require.NoError(t, s.SetStatus(ctx, "t-3", StatusRunning, "started"))
	require.NoError(t, s.SetStatus(ctx, "t-3", StatusSucceeded, "done"))

	// Terminal states are absorbing.
	err = s.SetStatus(ctx, "t-3", StatusFailed, "too late")
	assert.Error(t, err)

	transitions, err := s.Transitions(ctx, "t-3")
	require.NoError(t, err)
	assert.Len(t, transitions, 3)
}

func TestMemStoreInstallationUniqueActivePerProviderOrg(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	inst := &Installation{ID: "i-1", Provider: "github", OrgID: "org-acme"}
	require.NoError(t, s.CreateInstallation(ctx, inst))

	dup := &Installation{ID: "i-2", Provider: "github", OrgID: "org-acme"}
	err := s.CreateInstallation(ctx, dup)
	assert.Error(t, err)

	require.NoError(t, s.DeactivateInstallation(ctx, "i-1"))
	require.NoError(t, s.CreateInstallation(ctx, dup))
}
