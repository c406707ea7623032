package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/core/internal/queue"
	"github.com/agentctl/core/internal/store"
)

type memMarkerStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemMarkerStore() *memMarkerStore {
	return &memMarkerStore{seen: make(map[string]bool)}
}

func (m *memMarkerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *memMarkerStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[key], nil
}

func newTestIngress(t *testing.T) (*Ingress, store.Store, queue.Queue) {
	t.Helper()
	st := store.NewMemStore()
	q := queue.NewMemQueue(queue.DefaultLimits())
	ig := New(Config{
		Store:   st,
		Queue:   q,
		Markers: newMemMarkerStore(),
		DefaultSecrets: map[string]string{
			"github": "s3cr3t",
		},
	})
	return ig, st, q
}

func githubCommentPayload(body string) []byte {
	p := map[string]interface{}{
		"action":     "created",
		"repository": map[string]interface{}{"full_name": "acme/widgets"},
		"installation": map[string]interface{}{"id": 42},
		"issue": map[string]interface{}{
			"number":       7,
			"pull_request": map[string]interface{}{"url": "https://api.github.com/x"},
		},
		"comment": map[string]interface{}{"id": 1001, "body": body},
	}
	b, _ := json.Marshal(p)
	return b
}

func TestReceiveGitHubEnqueuesOnMentionVerb(t *testing.T) {
	ig, st, q := newTestIngress(t)
	ctx := context.Background()

	body := githubCommentPayload("@agent fix the flaky test")
	results, err := ig.Receive(ctx, "github", body, 1000, 5000)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ResultEnqueued, results[0])

	tasks, n, err := st.List(ctx, store.ListFilter{OrgID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.CommandFix, tasks[0].Command)

	depth, err := q.QueuedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestReceiveGitHubSkipsWithoutMentionVerb(t *testing.T) {
	ig, _, _ := newTestIngress(t)
	body := githubCommentPayload("just a regular comment")
	results, err := ig.Receive(context.Background(), "github", body, 1000, 5000)
	require.NoError(t, err)
	require.Len(t, results, 0) // parser emits nothing when no command found
}

func TestReceiveDropsDuplicateEvent(t *testing.T) {
	ig, _, _ := newTestIngress(t)
	ctx := context.Background()
	body := githubCommentPayload("@agent review this")

	first, err := ig.Receive(ctx, "github", body, 1000, 5000)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, ResultEnqueued, first[0])

	second, err := ig.Receive(ctx, "github", body, 1000, 5000)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, ResultSkippedDuplicate, second[0])
}

func TestReceiveBackpressureRejectsNormalPriority(t *testing.T) {
	ig, _, _ := newTestIngress(t)
	ctx := context.Background()
	body := githubCommentPayload("@agent plan the release")

	results, err := ig.Receive(ctx, "github", body, 0, 5000)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ResultSkippedBackpressure, results[0])
}

func TestReceiveUnknownProviderIsUserError(t *testing.T) {
	ig, _, _ := newTestIngress(t)
	_, err := ig.Receive(context.Background(), "carrier-pigeon", []byte(`{}`), 1000, 5000)
	require.Error(t, err)
}

func TestVerifySignatureConstantTimeMatch(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	secret := "topsecret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifySignature(secret, []byte(sig), body))
	assert.False(t, VerifySignature("wrong-secret", []byte(sig), body))
}

func TestSlackChallengeEcho(t *testing.T) {
	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	challenge, ok := SlackChallenge(body)
	require.True(t, ok)
	assert.Equal(t, "abc123", challenge)
}

func TestParseSentryActivatesOnFatalLevel(t *testing.T) {
	payload := map[string]interface{}{
		"action":       "triggered",
		"project_slug": "acme-api",
		"installation": map[string]interface{}{"uuid": "inst-1"},
		"data": map[string]interface{}{
			"issue": map[string]interface{}{
				"id":      "issue-1",
				"shortId": "API-1",
				"title":   "NullPointerException",
				"level":   "fatal",
			},
		},
	}
	b, _ := json.Marshal(payload)
	events, err := parseSentry(b)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.PriorityHigh, events[0].Priority)
	assert.Equal(t, store.CommandAnalyze, events[0].Command)
}
