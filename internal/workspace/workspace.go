// Package workspace implements the Workspace Manager (C2): clone,
// update, checkout of a local git working tree per (installation,
// repository, ref), grounded directly on the pool-of-clones pattern in
// other_examples clonemanager/manager.go — acquire-from-front /
// release-to-back pooling, go-git/v5 clone+fetch+checkout, and
// oauth2.TokenSource-based HTTP Basic auth — generalized from a single
// reconciler resource to the four webhook providers' repository
// addressing, with a disk-quota and path-allowlist layer the original
// didn't need.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"

	"github.com/agentctl/core/internal/retry"
	"github.com/agentctl/core/internal/taskerr"
)

// Request identifies the repository and ref a task needs checked out.
type Request struct {
	Provider       string
	OrgID          string
	Repository     string // "owner/repo"
	Ref            string // branch name, tag, or commit-ish
	IsPullRequest  bool
	PRMergeRef     string // e.g. "refs/pull/42/merge" for GitHub
	TokenSource    oauth2.TokenSource
}

// Workspace is a leased local working tree.
type Workspace struct {
	Path       string
	HeadCommit string
	request    Request
	mgr        *Manager
}

// Path lies under Root; Manager enforces the allowlist and quotas at Acquire.
type entry struct {
	path       string
	repo       *git.Repository
	request    Request
	lastAccess time.Time
	sizeBytes  int64
}

// Config controls the manager's security and quota policy (§4.2).
type Config struct {
	Root              string
	AllowedHostsRegex  *regexp.Regexp // matches "host/owner/repo(.git)?"
	MaxPerWorkspaceMB int64
	MaxPerOrgMB       int64
	CloneDepth        int
	TTL               time.Duration
}

// DefaultConfig matches spec defaults (500MB/workspace, 10GB/org, 24h TTL).
func DefaultConfig(root string) Config {
	return Config{
		Root:              root,
		AllowedHostsRegex: regexp.MustCompile(`^(github\.com|bitbucket\.org)/[\w.-]+/[\w.-]+(\.git)?$`),
		MaxPerWorkspaceMB: 500,
		MaxPerOrgMB:       10 * 1024,
		CloneDepth:        1,
		TTL:               24 * time.Hour,
	}
}

// Manager owns every repository working tree the scheduler touches.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	byPath  map[string]*entry           // workspace path -> entry
	locks   map[string]*sync.Mutex       // "provider/org/repo/ref" -> exclusive lock
	orgSize map[string]int64             // orgID -> bytes across its workspaces
	policy  retry.Policy
}

// New constructs a Manager rooted at cfg.Root.
func New(cfg Config) *Manager {
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = 1
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Manager{
		cfg:     cfg,
		byPath:  make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
		orgSize: make(map[string]int64),
		policy:  retry.Default(),
	}
}

func remoteHostPath(req Request) string {
	switch req.Provider {
	case "github":
		return "github.com/" + req.Repository
	case "jira", "slack", "sentry":
		return "github.com/" + req.Repository // these providers still point at a git host for code
	default:
		return "github.com/" + req.Repository
	}
}

func (m *Manager) lockKeyFor(req Request) string {
	return fmt.Sprintf("%s/%s/%s/%s", req.Provider, req.OrgID, req.Repository, req.Ref)
}

func (m *Manager) lockFor(req Request) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.lockKeyFor(req)
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Acquire returns a Workspace with the exclusive (repository, ref) lock
// held, cloning shallowly if absent or fetching+hard-resetting otherwise.
// Pull requests are fetched from their merge-ref.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Workspace, error) {
	hostPath := remoteHostPath(req)
	if !m.cfg.AllowedHostsRegex.MatchString(hostPath) {
		return nil, taskerr.Wrap(taskerr.KindPermanent, "workspace.Acquire", fmt.Errorf("%q: %w", hostPath, taskerr.ErrPolicyViolation))
	}

	lock := m.lockFor(req)
	lock.Lock()
	// Note: the lock is released by Release(), not here — it guards the
	// workspace for the lifetime of the lease, not just Acquire.

	path := m.workspacePath(req)

	m.mu.Lock()
	orgUsed := m.orgSize[req.OrgID]
	m.mu.Unlock()
	if m.cfg.MaxPerOrgMB > 0 && orgUsed >= m.cfg.MaxPerOrgMB*1024*1024 {
		lock.Unlock()
		return nil, taskerr.Wrap(taskerr.KindTransient, "workspace.Acquire", taskerr.ErrResourceExhausted)
	}

	var repo *git.Repository
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		repo, err = m.refreshExisting(ctx, path, req)
		if err != nil {
			// Poisoned workspace: delete and reclone.
			os.RemoveAll(path)
			repo, err = m.cloneFresh(ctx, path, req)
		}
	} else {
		repo, err = m.cloneFresh(ctx, path, req)
	}
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	head, err := repo.Head()
	var headCommit string
	if err == nil {
		headCommit = head.Hash().String()
	}

	size := dirSize(path)
	m.mu.Lock()
	m.byPath[path] = &entry{path: path, repo: repo, request: req, lastAccess: time.Now(), sizeBytes: size}
	m.orgSize[req.OrgID] += size
	m.mu.Unlock()

	if m.cfg.MaxPerWorkspaceMB > 0 && size > m.cfg.MaxPerWorkspaceMB*1024*1024 {
		m.releaseLocked(path, req, lock)
		return nil, taskerr.Wrap(taskerr.KindPermanent, "workspace.Acquire", taskerr.ErrResourceExhausted)
	}

	if err := verifyNoEscapingSymlinks(path); err != nil {
		m.releaseLocked(path, req, lock)
		return nil, taskerr.Wrap(taskerr.KindPermanent, "workspace.Acquire", err)
	}

	return &Workspace{Path: path, HeadCommit: headCommit, request: req, mgr: m}, nil
}

func (m *Manager) workspacePath(req Request) string {
	return filepath.Join(m.cfg.Root, req.Provider, req.OrgID, filepath.Base(req.Repository))
}

func (m *Manager) authForRemote(req Request) (*githttp.BasicAuth, error) {
	if req.TokenSource == nil {
		return nil, nil
	}
	tok, err := req.TokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: tok.AccessToken}, nil
}

func (m *Manager) cloneFresh(ctx context.Context, path string, req Request) (*git.Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindSystem, "workspace.clone", err)
	}

	auth, err := m.authForRemote(req)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindPermanent, "workspace.clone", err)
	}

	var repo *git.Repository
	refreshErr := retry.Do(ctx, m.policy, func(err error) bool { return taskerr.Retryable(err) }, func(attempt int) error {
		r, cloneErr := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:          "https://" + remoteHostPath(req) + ".git",
			Auth:         auth,
			Depth:        m.cfg.CloneDepth,
			SingleBranch: false,
		})
		if cloneErr != nil {
			os.RemoveAll(path)
			return taskerr.Wrap(taskerr.KindTransient, "workspace.clone", cloneErr)
		}
		repo = r
		return nil
	})
	if refreshErr != nil {
		return nil, refreshErr
	}

	return repo, m.checkoutRef(ctx, repo, req)
}

func (m *Manager) refreshExisting(ctx context.Context, path string, req Request) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open existing workspace: %w", err)
	}

	auth, err := m.authForRemote(req)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindPermanent, "workspace.refresh", err)
	}

	fetchErr := retry.Do(ctx, m.policy, func(err error) bool { return taskerr.Retryable(err) }, func(attempt int) error {
		err := repo.FetchContext(ctx, &git.FetchOptions{Auth: auth, Force: true})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return taskerr.Wrap(taskerr.KindTransient, "workspace.refresh", err)
		}
		return nil
	})
	if fetchErr != nil {
		return nil, fetchErr
	}

	return repo, m.checkoutRef(ctx, repo, req)
}

func (m *Manager) checkoutRef(ctx context.Context, repo *git.Repository, req Request) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	var target plumbing.Hash
	if req.IsPullRequest && req.PRMergeRef != "" {
		auth, _ := m.authForRemote(req)
		refSpec := gitconfig.RefSpec(fmt.Sprintf("+%s:refs/remotes/origin/pr-merge", req.PRMergeRef))
		if err := repo.FetchContext(ctx, &git.FetchOptions{RefSpecs: []gitconfig.RefSpec{refSpec}, Auth: auth, Force: true}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return taskerr.Wrap(taskerr.KindTransient, "workspace.checkout", fmt.Errorf("fetch merge-ref %s: %w", req.PRMergeRef, err))
		}
		ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", "pr-merge"), true)
		if err != nil {
			return taskerr.Wrap(taskerr.KindPermanent, "workspace.checkout", err)
		}
		target = ref.Hash()
	} else {
		ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", req.Ref), true)
		if err != nil {
			hash, resolveErr := repo.ResolveRevision(plumbing.Revision(req.Ref))
			if resolveErr != nil {
				return taskerr.Wrap(taskerr.KindPermanent, "workspace.checkout", fmt.Errorf("resolve ref %s: %w", req.Ref, resolveErr))
			}
			target = *hash
		} else {
			target = ref.Hash()
		}
	}

	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: target}); err != nil {
		return taskerr.Wrap(taskerr.KindSystem, "workspace.checkout", err)
	}
	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return taskerr.Wrap(taskerr.KindSystem, "workspace.checkout", err)
	}
	return nil
}

// Release updates last-access and releases the (repository, ref) lock.
func (ws *Workspace) Release() {
	ws.mgr.mu.Lock()
	if e, ok := ws.mgr.byPath[ws.Path]; ok {
		e.lastAccess = time.Now()
	}
	ws.mgr.mu.Unlock()

	lock := ws.mgr.lockFor(ws.request)
	lock.Unlock()
}

func (m *Manager) releaseLocked(path string, req Request, lock *sync.Mutex) {
	m.mu.Lock()
	delete(m.byPath, path)
	m.mu.Unlock()
	lock.Unlock()
}

// Evict removes workspaces with last-access older than TTL, skipping any
// currently held under lock (a failed TryLock means it's in use).
func (m *Manager) Evict(ctx context.Context) (int, error) {
	m.mu.Lock()
	var stale []string
	now := time.Now()
	for path, e := range m.byPath {
		if now.Sub(e.lastAccess) > m.cfg.TTL {
			stale = append(stale, path)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, path := range stale {
		m.mu.Lock()
		e, ok := m.byPath[path]
		if !ok {
			m.mu.Unlock()
			continue
		}
		lock := m.locks[m.lockKeyFor(e.request)]
		m.mu.Unlock()

		if lock != nil && !lock.TryLock() {
			continue // in use, skip without contending
		}
		if err := os.RemoveAll(path); err != nil {
			if lock != nil {
				lock.Unlock()
			}
			continue
		}
		m.mu.Lock()
		m.orgSize[e.request.OrgID] -= e.sizeBytes
		delete(m.byPath, path)
		m.mu.Unlock()
		if lock != nil {
			lock.Unlock()
		}
		evicted++
	}
	return evicted, nil
}

func dirSize(root string) int64 {
	var total int64
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// verifyNoEscapingSymlinks ensures no symlink under root resolves outside it.
func verifyNoEscapingSymlinks(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if !filepathHasPrefix(resolved, absRoot) {
			return fmt.Errorf("symlink %s escapes workspace root", path)
		}
		return nil
	})
}

func filepathHasPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel != ".." && !regexp.MustCompile(`^\.\.[\\/]`).MatchString(rel)
}
