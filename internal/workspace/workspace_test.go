package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigAllowsGithubRejectsOther(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	assert.True(t, cfg.AllowedHostsRegex.MatchString("github.com/acme/widgets"))
	assert.True(t, cfg.AllowedHostsRegex.MatchString("bitbucket.org/acme/widgets.git"))
	assert.False(t, cfg.AllowedHostsRegex.MatchString("evil.example.com/acme/widgets"))
}

func TestAcquireRejectsDisallowedHost(t *testing.T) {
	mgr := New(DefaultConfig(t.TempDir()))
	_, err := mgr.Acquire(context.Background(), Request{
		Provider:   "github",
		OrgID:      "org-acme",
		Repository: "../../etc/passwd",
		Ref:        "main",
	})
	require.Error(t, err)
}

func TestWorkspacePathLayout(t *testing.T) {
	root := t.TempDir()
	mgr := New(DefaultConfig(root))
	req := Request{Provider: "github", OrgID: "org-acme", Repository: "acme/widgets", Ref: "main"}
	got := mgr.workspacePath(req)
	want := filepath.Join(root, "github", "org-acme", "widgets")
	assert.Equal(t, want, got)
}

func TestLockForReusesSameMutexForSameKey(t *testing.T) {
	mgr := New(DefaultConfig(t.TempDir()))
	req := Request{Provider: "github", OrgID: "org-acme", Repository: "acme/widgets", Ref: "main"}

	l1 := mgr.lockFor(req)
	l2 := mgr.lockFor(req)
	assert.Same(t, l1, l2)

	other := Request{Provider: "github", OrgID: "org-acme", Repository: "acme/widgets", Ref: "dev"}
	l3 := mgr.lockFor(other)
	assert.NotSame(t, l1, l3)
}

func TestAuthForRemoteNilTokenSourceReturnsNil(t *testing.T) {
	mgr := New(DefaultConfig(t.TempDir()))
	auth, err := mgr.authForRemote(Request{})
	require.NoError(t, err)
	assert.Nil(t, auth)
}

func TestDirSizeSumsFileSizes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("12"), 0o644))
	assert.Equal(t, int64(7), dirSize(dir))
}

func TestVerifyNoEscapingSymlinksDetectsEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	err := verifyNoEscapingSymlinks(root)
	assert.Error(t, err)
}

func TestVerifyNoEscapingSymlinksAllowsInternal(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "sub"), filepath.Join(root, "link")))

	err := verifyNoEscapingSymlinks(root)
	assert.NoError(t, err)
}

func TestEvictSkipsLockedWorkspace(t *testing.T) {
	root := t.TempDir()
	mgr := New(DefaultConfig(root))
	mgr.cfg.TTL = time.Millisecond

	req := Request{Provider: "github", OrgID: "org-acme", Repository: "acme/widgets", Ref: "main"}
	path := mgr.workspacePath(req)
	require.NoError(t, os.MkdirAll(path, 0o755))

	mgr.mu.Lock()
	mgr.byPath[path] = &entry{path: path, request: req, lastAccess: time.Now().Add(-time.Hour), sizeBytes: 0}
	mgr.orgSize[req.OrgID] = 0
	mgr.mu.Unlock()

	lock := mgr.lockFor(req)
	lock.Lock() // simulate an in-flight lease

	n, err := mgr.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("locked workspace should not have been evicted: %v", statErr)
	}
	lock.Unlock()
}

func TestEvictRemovesStaleUnlockedWorkspace(t *testing.T) {
	root := t.TempDir()
	mgr := New(DefaultConfig(root))
	mgr.cfg.TTL = time.Millisecond

	req := Request{Provider: "github", OrgID: "org-acme", Repository: "acme/widgets", Ref: "main"}
	path := mgr.workspacePath(req)
	require.NoError(t, os.MkdirAll(path, 0o755))

	mgr.mu.Lock()
	mgr.byPath[path] = &entry{path: path, request: req, lastAccess: time.Now().Add(-time.Hour), sizeBytes: 1024}
	mgr.orgSize[req.OrgID] = 1024
	mgr.mu.Unlock()

	n, err := mgr.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
