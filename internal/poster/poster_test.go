package poster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/core/internal/circuitbreaker"
	"github.com/agentctl/core/internal/runner"
	"github.com/agentctl/core/internal/store"
)

type testMarkerStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newTestMarkerStore() *testMarkerStore { return &testMarkerStore{seen: make(map[string]bool)} }

func (m *testMarkerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *testMarkerStore) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[key]
}

type fakeClient struct {
	mu         sync.Mutex
	posted     []string
	failErr    error
	artifactID string
}

func (f *fakeClient) PostComment(ctx context.Context, target Target, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		err := f.failErr
		f.failErr = nil
		return "", err
	}
	f.posted = append(f.posted, body)
	return f.artifactID, nil
}
func (f *fakeClient) PostMessage(ctx context.Context, target Target, body string) (string, error) {
	return f.PostComment(ctx, target, body)
}
func (f *fakeClient) UpdateStatus(ctx context.Context, target Target, status string) error {
	return nil
}
func (f *fakeClient) AddReaction(ctx context.Context, target Target, reaction string) error {
	return nil
}

func TestPostWritesMarkerAfterSuccessfulPost(t *testing.T) {
	markers := newTestMarkerStore()
	p := New(markers, circuitbreaker.NewProviderBreakers())
	client := &fakeClient{artifactID: "artifact-1"}
	p.RegisterClient("github", client)

	task := &store.Task{
		SourceMetadata: store.SourceMetadata{Provider: "github", Repository: "acme/widgets", IssueNumber: 7},
	}
	err := p.Post(context.Background(), task, runner.Artifact{Kind: "file", Path: "a.go", Content: "package a"})
	require.NoError(t, err)
	require.Len(t, client.posted, 1)
	assert.Contains(t, client.posted[0], "package a")
	assert.True(t, markers.Exists("posted:github:artifact-1"))
}

func TestPostUnknownProviderIsSystemError(t *testing.T) {
	markers := newTestMarkerStore()
	p := New(markers, circuitbreaker.NewProviderBreakers())
	task := &store.Task{SourceMetadata: store.SourceMetadata{Provider: "unknown-cms"}}
	err := p.Post(context.Background(), task, runner.Artifact{Content: "x"})
	assert.Error(t, err)
}

func TestPostPermanentErrorIsNotRetried(t *testing.T) {
	markers := newTestMarkerStore()
	p := New(markers, circuitbreaker.NewProviderBreakers())
	client := &fakeClient{failErr: &PermanentError{StatusCode: 422, Body: "unprocessable"}}
	p.RegisterClient("github", client)

	task := &store.Task{SourceMetadata: store.SourceMetadata{Provider: "github", Repository: "acme/widgets", IssueNumber: 1}}
	err := p.Post(context.Background(), task, runner.Artifact{Content: "x"})
	require.Error(t, err)

	var perm *PermanentError
	assert.True(t, errors.As(err, &perm))
}

func TestFormatGitHubMarkdownWrapsDiff(t *testing.T) {
	out := formatGitHubMarkdown(runner.Artifact{Kind: "diff", Content: "+added line"})
	assert.Contains(t, out, "```diff")
	assert.Contains(t, out, "+added line")
}
