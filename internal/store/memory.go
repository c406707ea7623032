package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentctl/core/internal/taskerr"
)

// MemStore is an in-memory Store used by tests and by local/demo runs
// where DATABASE_URL is unset.
type MemStore struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	transitions   map[string][]Transition
	installations map[string]*Installation
	nextTxID      int64
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:         make(map[string]*Task),
		transitions:   make(map[string][]Transition),
		installations: make(map[string]*Installation),
	}
}

func (m *MemStore) EnsureSchema(ctx context.Context) error { return nil }
func (m *MemStore) Close() error                           { return nil }

func (m *MemStore) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return nil
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = StatusQueued
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, taskerr.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) SetStatus(ctx context.Context, taskID string, to Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return taskerr.ErrNotFound
	}
	if !CanTransition(t.Status, to) {
		return taskerr.ErrConflict
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = time.Now()
	m.nextTxID++
	m.transitions[taskID] = append(m.transitions[taskID], Transition{
		ID: m.nextTxID, TaskID: taskID, FromStatus: from, ToStatus: to, Reason: reason, CreatedAt: t.UpdatedAt,
	})
	return nil
}

func (m *MemStore) SetResult(ctx context.Context, taskID string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return taskerr.ErrNotFound
	}
	r := result
	t.Result = &r
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) SetError(ctx context.Context, taskID, kind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return taskerr.ErrNotFound
	}
	t.ErrorKind, t.ErrorMsg = kind, message
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) TryClaimTask(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false, taskerr.ErrNotFound
	}
	eligible := t.Status == StatusQueued ||
		((t.Status == StatusLeased || t.Status == StatusRunning) && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(time.Now()))
	if !eligible {
		return false, nil
	}
	t.Status = StatusLeased
	t.LeaseOwner = ownerID
	t.LeaseExpiresAt = &leaseUntil
	t.Attempt++
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemStore) RenewLease(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.LeaseOwner != ownerID || (t.Status != StatusLeased && t.Status != StatusRunning) {
		return false, nil
	}
	t.LeaseExpiresAt = &leaseUntil
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemStore) ReleaseLease(ctx context.Context, taskID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.LeaseOwner != ownerID {
		return nil
	}
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) List(ctx context.Context, f ListFilter) ([]*Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statusSet := make(map[Status]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statusSet[st] = true
	}

	var matched []*Task
	for _, t := range m.tasks {
		if f.OrgID != "" && t.OrgID != f.OrgID {
			continue
		}
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && t.CreatedAt.After(f.Until) {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (m *MemStore) Transitions(ctx context.Context, taskID string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition{}, m.transitions[taskID]...), nil
}

func (m *MemStore) MarkStaleRunning(ctx context.Context, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now()
	for _, t := range m.tasks {
		if (t.Status == StatusLeased || t.Status == StatusRunning) &&
			t.LeaseExpiresAt != nil && now.Sub(*t.LeaseExpiresAt) > 10*time.Minute {
			t.Status = StatusFailed
			t.ErrorKind = "system"
			t.ErrorMsg = reason
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CreateInstallation(ctx context.Context, inst *Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.installations {
		if existing.Provider == inst.Provider && existing.OrgID == inst.OrgID && existing.Active {
			return taskerr.ErrConflict
		}
	}
	now := time.Now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	inst.Active = true
	cp := *inst
	m.installations[inst.ID] = &cp
	return nil
}

func (m *MemStore) GetInstallation(ctx context.Context, provider, orgID string) (*Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.installations {
		if inst.Provider == provider && inst.OrgID == orgID && inst.Active {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, taskerr.ErrNotFound
}

func (m *MemStore) GetInstallationByID(ctx context.Context, id string) (*Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installations[id]
	if !ok {
		return nil, taskerr.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *MemStore) UpdateInstallation(ctx context.Context, inst *Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.installations[inst.ID]
	if !ok {
		return taskerr.ErrNotFound
	}
	existing.AccessTokenCipher = inst.AccessTokenCipher
	existing.RefreshTokenCipher = inst.RefreshTokenCipher
	existing.ExpiresAt = inst.ExpiresAt
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) DeactivateInstallation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installations[id]
	if !ok {
		return taskerr.ErrNotFound
	}
	inst.Active = false
	inst.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemStore)(nil)
var _ Store = (*PostgresStore)(nil)
