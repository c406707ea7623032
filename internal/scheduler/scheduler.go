// Package scheduler implements the Scheduler / Worker Pool (C5): a
// fixed-size pool of cooperative workers draining the durable queue,
// each running one task at a time through pre-hook, workspace, token,
// CLI runner, post-hook/error-hook/timeout-hook, and Result Poster,
// grounded on the lease-loop and fairness bookkeeping used for pooled
// workers elsewhere in this lineage, generalized from container leases
// to task leases.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentctl/core/internal/budget"
	"github.com/agentctl/core/internal/hooks"
	"github.com/agentctl/core/internal/poster"
	"github.com/agentctl/core/internal/queue"
	"github.com/agentctl/core/internal/runner"
	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/taskerr"
	"github.com/agentctl/core/internal/tokensvc"
	"github.com/agentctl/core/internal/workspace"
)

// CommandTimeouts maps a command to its wall-clock budget (§6 defaults).
var CommandTimeouts = map[store.Command]time.Duration{
	store.CommandReview:    5 * time.Minute,
	store.CommandFix:       10 * time.Minute,
	store.CommandImplement: 10 * time.Minute,
	store.CommandImprove:   15 * time.Minute,
	store.CommandHelp:      1 * time.Minute,
	store.CommandAnalyze:   5 * time.Minute,
	store.CommandPlan:      5 * time.Minute,
	store.CommandApprove:   2 * time.Minute,
	store.CommandReject:    2 * time.Minute,
}

const defaultCommandTimeout = 10 * time.Minute
const leaseHeartbeatInterval = 2 * time.Minute

// LogSink receives runner progress events for operator streaming.
type LogSink interface {
	Publish(taskID string, ev runner.Event)
}

// Config wires every dependency a worker needs.
type Config struct {
	Store     store.Store
	Queue     queue.Queue
	Tokens    *tokensvc.Service
	Workspace *workspace.Manager
	Runner    runner.Runner
	Poster    *poster.Poster
	Hooks     *hooks.Registry
	Budget    *budget.Tracker
	LogSink   LogSink

	PoolSize int
}

// Pool is the Scheduler / Worker Pool (C5).
type Pool struct {
	cfg Config

	mu        sync.Mutex
	cancelled map[string]context.CancelFunc

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs a Pool. PoolSize defaults to 10 (§4.5).
func New(cfg Config) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	return &Pool{
		cfg:       cfg,
		cancelled: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

// Start launches PoolSize worker goroutines. Returns immediately; call
// Stop to request a graceful shutdown.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.PoolSize; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.workerLoop(ctx, workerID)
	}
}

// Stop signals every worker to finish its current task and exit, then
// blocks until they have.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Cancel flips the in-memory cancellation flag for taskID, if a worker
// currently holds it.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancelled[taskID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// ActiveWorkers reports how many tasks are currently leased by this pool.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancelled)
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	pollInterval := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		entry, ok, err := p.cfg.Queue.Lease(ctx, workerID)
		if err != nil {
			slog.Error("queue lease failed", "worker", workerID, "error", err)
			time.Sleep(pollInterval)
			continue
		}
		if !ok {
			time.Sleep(pollInterval)
			continue
		}

		p.runTask(ctx, workerID, entry)
	}
}

func (p *Pool) runTask(parent context.Context, workerID string, entry *queue.Entry) {
	taskCtx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancelled[entry.TaskID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancelled, entry.TaskID)
		p.mu.Unlock()
		cancel()
	}()

	task, err := p.cfg.Store.GetTask(taskCtx, entry.TaskID)
	if err != nil {
		slog.Error("failed to load leased task", "task_id", entry.TaskID, "error", err)
		return
	}

	if ok, err := p.cfg.Budget.CheckBalance(taskCtx, task.OrgID); err != nil || !ok {
		p.nack(taskCtx, task, 0, "budget exceeded")
		return
	}

	outcome := p.cfg.Hooks.Run(taskCtx, hooks.PointPreExecution, task)
	switch outcome.Disposition {
	case hooks.Skip:
		p.ack(taskCtx, task, store.StatusSkipped, outcome.Diagnostics.Reason)
		return
	case hooks.Fail:
		p.ack(taskCtx, task, store.StatusFailed, outcome.Diagnostics.Reason)
		return
	}

	token, err := p.cfg.Tokens.GetToken(taskCtx, task.SourceMetadata.Provider, task.OrgID)
	if err != nil {
		p.classifyAndFinish(taskCtx, task, err)
		return
	}

	ws, err := p.cfg.Workspace.Acquire(taskCtx, workspace.Request{
		Provider:      task.SourceMetadata.Provider,
		OrgID:         task.OrgID,
		Repository:    task.SourceMetadata.Repository,
		Ref:           "main",
		IsPullRequest: task.SourceMetadata.PRNumber != 0,
		TokenSource:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.AccessToken, Expiry: token.ExpiresAt}),
	})
	if err != nil {
		p.classifyAndFinish(taskCtx, task, err)
		return
	}
	defer ws.Release()

	if err := p.cfg.Store.SetStatus(taskCtx, task.ID, store.StatusRunning, "worker started"); err != nil {
		slog.Error("failed to mark task running", "task_id", task.ID, "error", err)
		return
	}

	timeout := CommandTimeouts[task.Command]
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	runCtx, runCancel := context.WithTimeout(taskCtx, timeout)
	defer runCancel()

	inv := runner.Invocation{
		Command: string(task.Command),
		WorkDir: ws.Path,
		Env:     map[string]string{"AGENTCTL_TOKEN": token.AccessToken, "ORG_ID": task.OrgID},
		Timeout: timeout,
	}

	events, err := p.cfg.Runner.Run(runCtx, inv)
	if err != nil {
		p.classifyAndFinish(taskCtx, task, err)
		return
	}

	p.consumeEvents(taskCtx, runCtx, runCancel, task, events, workerID)
}

func (p *Pool) consumeEvents(taskCtx, runCtx context.Context, runCancel context.CancelFunc, task *store.Task, events <-chan runner.Event, workerID string) {
	var usage runner.Usage
	var artifact *runner.Artifact
	var budgetExceeded bool
	heartbeat := time.NewTicker(leaseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-runCtx.Done():
			if budgetExceeded {
				p.cfg.Hooks.Run(taskCtx, hooks.PointOnError, task)
				p.cfg.Budget.ReleaseTask(task.ID)
				_ = p.cfg.Store.SetError(taskCtx, task.ID, "user", "budget exceeded mid-run")
				p.ack(taskCtx, task, store.StatusFailed, "budget exceeded")
				return
			}
			p.handleTimeout(taskCtx, task, artifact)
			return
		case <-heartbeat.C:
			if err := p.cfg.Queue.Heartbeat(taskCtx, task.ID, workerID); err != nil {
				slog.Warn("heartbeat failed", "task_id", task.ID, "error", err)
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if p.cfg.LogSink != nil && ev.Kind == runner.EventProgress {
				p.cfg.LogSink.Publish(task.ID, ev)
			}

			switch ev.Kind {
			case runner.EventUsage:
				if ev.Usage != nil {
					usage.InputTokens += ev.Usage.InputTokens
					usage.OutputTokens += ev.Usage.OutputTokens
					usage.CostUSD += ev.Usage.CostUSD
					if err := p.cfg.Budget.RecordUsage(taskCtx, task.OrgID, task.ID, ev.Usage.CostUSD); err != nil {
						budgetExceeded = true
						runCancel()
					}
				}
			case runner.EventArtifact:
				artifact = ev.Artifact
			case runner.EventError:
				p.handleRunnerError(taskCtx, task, ev, usage)
				return
			case runner.EventDone:
				p.handleSuccess(taskCtx, task, artifact, usage)
				return
			}
		}
	}
}

func (p *Pool) handleSuccess(ctx context.Context, task *store.Task, artifact *runner.Artifact, usage runner.Usage) {
	p.cfg.Hooks.Run(ctx, hooks.PointPostExecution, task)

	result := store.Result{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
	}
	if artifact != nil {
		result.ArtifactSummary = artifact.Content
		if err := p.cfg.Poster.Post(context.WithoutCancel(ctx), task, *artifact); err != nil {
			slog.Warn("result poster failed", "task_id", task.ID, "error", err)
		} else {
			result.Posted = true
		}
	}
	p.cfg.Budget.ReleaseTask(task.ID)

	if err := p.cfg.Store.SetResult(ctx, task.ID, result); err != nil {
		slog.Error("failed to record result", "task_id", task.ID, "error", err)
	}
	p.ack(ctx, task, store.StatusSucceeded, "")
}

func (p *Pool) handleRunnerError(ctx context.Context, task *store.Task, ev runner.Event, usage runner.Usage) {
	p.cfg.Hooks.Run(ctx, hooks.PointOnError, task)
	p.cfg.Budget.ReleaseTask(task.ID)
	_ = p.cfg.Store.SetError(ctx, task.ID, ev.ErrorKind, ev.Message)

	switch ev.ErrorKind {
	case "transient", "system":
		p.nack(ctx, task, task.Attempt, ev.Message)
	default:
		p.ack(ctx, task, store.StatusFailed, ev.Message)
	}
}

func (p *Pool) handleTimeout(ctx context.Context, task *store.Task, artifact *runner.Artifact) {
	p.cfg.Hooks.Run(ctx, hooks.PointOnTimeout, task)
	p.cfg.Budget.ReleaseTask(task.ID)

	if artifact != nil {
		result := store.Result{ArtifactSummary: artifact.Content}
		_ = p.cfg.Store.SetResult(ctx, task.ID, result)
	}
	if err := p.cfg.Poster.PostTimeoutNotice(context.WithoutCancel(ctx), task); err != nil {
		slog.Warn("timeout notice failed", "task_id", task.ID, "error", err)
	}
	p.ack(ctx, task, store.StatusTimedOut, "exceeded command timeout")
}

func (p *Pool) classifyAndFinish(ctx context.Context, task *store.Task, err error) {
	p.cfg.Budget.ReleaseTask(task.ID)
	kind := taskerr.KindOf(err)
	_ = p.cfg.Store.SetError(ctx, task.ID, kind.String(), err.Error())

	if taskerr.Retryable(err) {
		p.nack(ctx, task, task.Attempt, err.Error())
		return
	}
	p.ack(ctx, task, store.StatusFailed, err.Error())
}

func (p *Pool) ack(ctx context.Context, task *store.Task, status store.Status, reason string) {
	if err := p.cfg.Store.SetStatus(ctx, task.ID, status, reason); err != nil {
		slog.Error("failed to set terminal status", "task_id", task.ID, "status", status, "error", err)
	}
	if err := p.cfg.Queue.Ack(ctx, task.ID); err != nil {
		slog.Error("failed to ack queue entry", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, task *store.Task, attempt int, reason string) {
	delay := backoffDelay(attempt)
	if err := p.cfg.Queue.Nack(ctx, task.ID, delay); err != nil {
		slog.Error("failed to nack queue entry", "task_id", task.ID, "error", err)
	}
	slog.Info("task nacked for retry", "task_id", task.ID, "reason", reason, "delay", delay)
}

// backoffDelay implements min(2^attempt, 300s) * (1 + jitter(0, 0.1)) (§4.5 step 8).
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	seconds := math.Min(math.Pow(2, float64(attempt)), 300)
	jitter := 1 + rand.Float64()*0.1
	return time.Duration(seconds * jitter * float64(time.Second))
}
