// Package tests provides black-box end-to-end tests that exercise real
// component combinations across the control plane: task admission through
// the durable queue, credential issuance through the Token Service,
// cost enforcement through the Budget Tracker, and result delivery through
// the Result Poster, without a live HTTP server.
package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentctl/core/internal/budget"
	"github.com/agentctl/core/internal/circuitbreaker"
	"github.com/agentctl/core/internal/hooks"
	"github.com/agentctl/core/internal/poster"
	"github.com/agentctl/core/internal/queue"
	"github.com/agentctl/core/internal/runner"
	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/tokensvc"
)

// =============================================================================
// 1. TASK ADMISSION — queued task is leasable exactly once until acked
// =============================================================================

func TestTaskLifecycle_EnqueueLeaseHeartbeatAck(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	q := queue.NewMemQueue(queue.DefaultLimits())

	task := &store.Task{
		ID:      "task-1",
		OrgID:   "acme",
		Command: store.CommandReview,
		Status:  store.StatusQueued,
		SourceMetadata: store.SourceMetadata{
			Provider:   "github",
			Repository: "acme/widgets",
			PRNumber:   42,
		},
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := q.Enqueue(ctx, queue.Entry{TaskID: task.ID, OrgID: task.OrgID, Priority: store.PriorityNormal}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entry, ok, err := q.Lease(ctx, "worker-0")
	if err != nil || !ok {
		t.Fatalf("Lease: ok=%v err=%v", ok, err)
	}
	if entry.TaskID != task.ID {
		t.Fatalf("leased wrong task: %s", entry.TaskID)
	}

	// A second worker must not be able to lease the same entry while it
	// is in flight.
	if _, ok, _ := q.Lease(ctx, "worker-1"); ok {
		t.Fatal("second lease should not have observed an in-flight entry")
	}

	if err := st.SetStatus(ctx, task.ID, store.StatusLeased, "leased by worker-0"); err != nil {
		t.Fatalf("SetStatus(leased): %v", err)
	}
	if err := st.SetStatus(ctx, task.ID, store.StatusRunning, "worker started"); err != nil {
		t.Fatalf("SetStatus(running): %v", err)
	}
	if err := q.Heartbeat(ctx, task.ID, "worker-0"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := st.SetStatus(ctx, task.ID, store.StatusSucceeded, ""); err != nil {
		t.Fatalf("SetStatus(succeeded): %v", err)
	}
	if err := q.Ack(ctx, task.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}

	transitions, err := st.Transitions(ctx, task.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(transitions) < 3 {
		t.Fatalf("expected at least 3 recorded transitions, got %d", len(transitions))
	}
}

func TestTaskLifecycle_IllegalTransitionRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := &store.Task{ID: "task-2", OrgID: "acme", Status: store.StatusQueued}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Queued -> Succeeded is never a legal transition (must pass through
	// Leased/Running first); the state machine in store.CanTransition
	// must reject it.
	if store.CanTransition(store.StatusQueued, store.StatusSucceeded) {
		t.Fatal("queued -> succeeded should not be a legal transition")
	}
	if err := st.SetStatus(ctx, task.ID, store.StatusSucceeded, "skip ahead"); err == nil {
		t.Fatal("expected SetStatus to reject the illegal transition")
	}
}

// =============================================================================
// 2. PRE-EXECUTION HOOKS — a skip verdict short-circuits scheduling
// =============================================================================

func TestHooks_SkipVerdictShortCircuits(t *testing.T) {
	reg := hooks.NewRegistry()
	reg.Register(hooks.PointPreExecution, func(ctx context.Context, task *store.Task) hooks.Outcome {
		if task.OrgID == "suspended-org" {
			return hooks.Outcome{Disposition: hooks.Skip, Diagnostics: hooks.Diagnostics{Reason: "org suspended"}}
		}
		return hooks.Outcome{Disposition: hooks.Ok}
	})

	out := reg.Run(context.Background(), hooks.PointPreExecution, &store.Task{OrgID: "suspended-org"})
	if out.Disposition != hooks.Skip {
		t.Fatalf("expected Skip, got %s", out.Disposition)
	}

	out = reg.Run(context.Background(), hooks.PointPreExecution, &store.Task{OrgID: "acme"})
	if out.Disposition != hooks.Ok {
		t.Fatalf("expected Ok, got %s", out.Disposition)
	}
}

// =============================================================================
// 3. TOKEN SERVICE — install, encrypt at rest, and issue a live token
// =============================================================================

func TestTokenService_CreateInstallationThenGetToken(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	cipher, err := tokensvc.NewCipher([]byte("a-32-byte-or-longer-root-secret!"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	svc := tokensvc.New(st, cipher, circuitbreaker.NewProviderBreakers(), time.Minute)

	inst, err := svc.CreateInstallation(ctx, tokensvc.NewInstallation{
		Provider:    "github",
		OrgID:       "acme",
		AccessToken: "ghs_livetoken",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateInstallation: %v", err)
	}
	if inst.AccessTokenCipher == nil {
		t.Fatal("access token must be sealed at rest, not stored in plaintext")
	}

	tok, err := svc.GetToken(ctx, "github", "acme")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "ghs_livetoken" {
		t.Fatalf("expected decrypted token to round-trip, got %q", tok.AccessToken)
	}
}

func TestTokenService_NearExpiryWithoutRefreshFuncSurfacesError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	cipher, _ := tokensvc.NewCipher([]byte("another-32-byte-root-secret-here"))
	svc := tokensvc.New(st, cipher, circuitbreaker.NewProviderBreakers(), 5*time.Minute)

	_, err := svc.CreateInstallation(ctx, tokensvc.NewInstallation{
		Provider:     "jira",
		OrgID:        "acme",
		AccessToken:  "stale",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(time.Second), // already inside the skew window
	})
	if err != nil {
		t.Fatalf("CreateInstallation: %v", err)
	}

	// No RefreshFunc registered for jira: GetToken must surface an error
	// rather than silently handing back the stale token.
	if _, err := svc.GetToken(ctx, "jira", "acme"); err == nil {
		t.Fatal("expected GetToken to fail without a registered refresh func")
	}
}

// =============================================================================
// 4. BUDGET TRACKER — cost overruns are rejected before they compound
// =============================================================================

func TestBudget_RecordUsageAcrossTwoTasksTripsOrgCap(t *testing.T) {
	ctx := context.Background()
	tr := budget.NewTracker(nil, 10.00, 1.00, 0)

	if err := tr.RecordUsage(ctx, "acme", "task-a", 0.70); err != nil {
		t.Fatalf("first task should fit under the org cap: %v", err)
	}
	if err := tr.RecordUsage(ctx, "acme", "task-b", 0.70); err == nil {
		t.Fatal("second task should exceed the shared org-daily cap")
	}

	ok, err := tr.CheckBalance(ctx, "acme")
	if err != nil {
		t.Fatalf("CheckBalance: %v", err)
	}
	if ok {
		t.Fatal("org should be out of daily budget after the overage")
	}

	tr.ReleaseTask("task-a")
	tr.ReleaseTask("task-b")
}

// =============================================================================
// 5. RESULT POSTER — artifact delivery writes the loop-prevention marker
// =============================================================================

type fakeMarkerStore struct {
	mu   sync.Mutex
	seen map[string][]byte
}

func newFakeMarkerStore() *fakeMarkerStore {
	return &fakeMarkerStore{seen: make(map[string][]byte)}
}

func (f *fakeMarkerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.seen[key]; exists {
		return false, nil
	}
	f.seen[key] = value
	return true, nil
}

type fakeGitHubClient struct {
	posted []string
}

func (f *fakeGitHubClient) PostComment(ctx context.Context, target poster.Target, body string) (string, error) {
	f.posted = append(f.posted, body)
	return "comment-123", nil
}
func (f *fakeGitHubClient) PostMessage(ctx context.Context, target poster.Target, body string) (string, error) {
	return "", nil
}
func (f *fakeGitHubClient) UpdateStatus(ctx context.Context, target poster.Target, status string) error {
	return nil
}
func (f *fakeGitHubClient) AddReaction(ctx context.Context, target poster.Target, reaction string) error {
	return nil
}

func TestPoster_PostWritesLoopPreventionMarker(t *testing.T) {
	ctx := context.Background()
	markers := newFakeMarkerStore()
	client := &fakeGitHubClient{}

	p := poster.New(markers, circuitbreaker.NewProviderBreakers())
	p.RegisterClient("github", client)

	task := &store.Task{
		ID:    "task-3",
		OrgID: "acme",
		SourceMetadata: store.SourceMetadata{
			Provider:   "github",
			Repository: "acme/widgets",
			PRNumber:   7,
		},
	}
	artifact := runner.Artifact{Kind: "diff", Content: "+ fixed the bug"}

	if err := p.Post(ctx, task, artifact); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(client.posted) != 1 {
		t.Fatalf("expected exactly one outbound comment, got %d", len(client.posted))
	}

	markers.mu.Lock()
	_, marked := markers.seen["posted:github:comment-123"]
	markers.mu.Unlock()
	if !marked {
		t.Fatal("Post must write the posted-artifact marker before returning")
	}
}
