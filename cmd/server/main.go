// Command agentctl-server is the process entry point for the control
// plane: it wires the nine components (C1-C9) together and serves the
// webhook ingress, operator API, and health endpoint over HTTP.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/agentctl/core/internal/api"
	"github.com/agentctl/core/internal/budget"
	"github.com/agentctl/core/internal/circuitbreaker"
	"github.com/agentctl/core/internal/config"
	"github.com/agentctl/core/internal/hooks"
	"github.com/agentctl/core/internal/infra"
	"github.com/agentctl/core/internal/ingress"
	"github.com/agentctl/core/internal/metrics"
	"github.com/agentctl/core/internal/middleware"
	"github.com/agentctl/core/internal/poster"
	"github.com/agentctl/core/internal/queue"
	"github.com/agentctl/core/internal/runner"
	"github.com/agentctl/core/internal/scheduler"
	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/tokensvc"
	"github.com/agentctl/core/internal/webhooks"
	"github.com/agentctl/core/internal/workspace"
	"github.com/agentctl/core/internal/wsstream"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on process environment")
	}

	cfg := config.Get()

	if err := run(cfg); err != nil {
		log.Fatalf("agentctl-server: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Task Store (C8) -------------------------------------------------
	var taskStore store.Store
	if cfg.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory task store")
		taskStore = store.NewMemStore()
	} else {
		pg, err := store.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect task store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("migrate task store: %w", err)
		}
		taskStore = pg
	}

	// --- shared Redis client: durable queue leases (C3) and the
	// idempotency / posted-artifact marker KV (C4, C7) -------------------
	limits := queue.Limits{
		GlobalInFlight: cfg.Scheduler.GlobalConcurrency,
		PerOrgInFlight: cfg.Scheduler.PerOrgConcurrency,
		SoftLimit:      cfg.Queue.SoftLimit,
		HardLimit:      cfg.Queue.HardLimit,
		Visibility:     time.Duration(cfg.Queue.VisibilityTimeoutS) * time.Second,
	}

	var taskQueue queue.Queue
	var markers ingress.MarkerStore
	var redisAdapter *infra.GoRedisAdapter
	if cfg.Queue.URL == "" || cfg.Queue.URL == "mem://" {
		slog.Warn("QUEUE_URL not set (or mem://), using in-memory queue; markers fall back to an in-process store")
		taskQueue = queue.NewMemQueue(limits)
		markers = newMemMarkerStore()
	} else {
		opts, err := redis.ParseURL(cfg.Queue.URL)
		if err != nil {
			return fmt.Errorf("parse QUEUE_URL: %w", err)
		}
		adapter, err := infra.NewGoRedisAdapter(opts.Addr, opts.Password, opts.DB)
		if err != nil {
			return fmt.Errorf("connect redis queue: %w", err)
		}
		redisAdapter = adapter
		taskQueue = queue.NewRedisQueue(adapter.Raw(), limits)
		markers = adapter
	}

	// --- Token Service (C1) ----------------------------------------------
	cipher, err := tokensvc.NewCipher([]byte(cfg.Token.EncryptionKey))
	if err != nil {
		return fmt.Errorf("init token cipher: %w", err)
	}
	tokenBreakers := circuitbreaker.NewProviderBreakers()
	skew := time.Duration(cfg.Token.RefreshSkewS) * time.Second
	tokens := tokensvc.New(taskStore, cipher, tokenBreakers, skew)

	if cfg.Token.GitHubAppID != "" {
		githubRefresh, err := tokensvc.NewGitHubAppRefreshFunc(cfg.Token.GitHubAppID, []byte(cfg.Token.GitHubAppPrivateKey), cfg.Token.GitHubAPIBaseURL)
		if err != nil {
			return fmt.Errorf("init github app refresh: %w", err)
		}
		tokens.RegisterRefreshFunc("github", githubRefresh)
	}
	if cfg.Token.JiraClientID != "" {
		tokens.RegisterRefreshFunc("jira", tokensvc.NewOAuth2RefreshFunc(oauth2.Config{
			ClientID:     cfg.Token.JiraClientID,
			ClientSecret: cfg.Token.JiraClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Token.JiraTokenURL},
		}))
	}
	if cfg.Token.SlackClientID != "" {
		tokens.RegisterRefreshFunc("slack", tokensvc.NewOAuth2RefreshFunc(oauth2.Config{
			ClientID:     cfg.Token.SlackClientID,
			ClientSecret: cfg.Token.SlackClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Token.SlackTokenURL},
		}))
	}

	// --- Workspace Manager (C2) -------------------------------------------
	allowHosts := regexp.MustCompile(`^(github\.com|bitbucket\.org)/[\w.-]+/[\w.-]+(\.git)?$`)
	if cfg.Workspace.PathAllowlist != "" {
		allowHosts = regexp.MustCompile(cfg.Workspace.PathAllowlist)
	}
	workspaces := workspace.New(workspace.Config{
		Root:              cfg.Workspace.BaseDir,
		AllowedHostsRegex: allowHosts,
		MaxPerWorkspaceMB: int64(cfg.Workspace.MaxPerWorkspaceMB),
		MaxPerOrgMB:       int64(cfg.Workspace.MaxPerOrgMB),
		CloneDepth:        cfg.Workspace.CloneDepth,
		TTL:               time.Duration(cfg.Workspace.TTLMinutes) * time.Minute,
	})
	go workspaceEvictionLoop(ctx, workspaces)

	// --- CLI Runner Protocol (C6) ------------------------------------------
	var cliRunner runner.Runner
	gracefulWait := time.Duration(cfg.Runner.GracefulWaitS) * time.Second
	switch cfg.Runner.Mode {
	case "container":
		containerPool := runner.NewContainerPool(2, 10, cfg.Runner.ContainerImage)
		cliRunner = runner.NewContainerRunner(containerPool, cfg.Runner.BinaryPath)
	default:
		cliRunner = runner.NewProcessRunner(cfg.Runner.BinaryPath, gracefulWait)
	}

	// --- Result Poster (C7) -------------------------------------------------
	posterBreakers := circuitbreaker.NewProviderBreakers()
	outbound := poster.New(markers, posterBreakers)
	tokenAdapter := poster.TokenServiceAdapter{Service: tokens}
	outbound.RegisterClient("github", poster.NewGitHubClient(tokenAdapter, "https://api.github.com"))
	outbound.RegisterClient("jira", poster.NewJiraClient(tokenAdapter, ""))
	outbound.RegisterClient("slack", poster.NewSlackClient(tokenAdapter))

	// --- Hook Runner (C9) ----------------------------------------------------
	hookRegistry := hooks.NewRegistry()

	// --- cost budget enforcement (§5) -----------------------------------------
	var budgetDB *sql.DB
	if cfg.Database.URL != "" {
		budgetDB, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open budget db: %w", err)
		}
	}
	tracker := budget.NewTracker(budgetDB, cfg.Budget.PerTaskUSD, cfg.Budget.PerOrgDailyUSD, cfg.Budget.HardCapUSD)

	// --- live log streaming hub (operator dashboard WebSocket) -----------------
	hub := wsstream.NewHub()
	go hub.Run()

	// --- cross-cutting Prometheus metrics -----------------------------------
	mtr := metrics.New()

	// --- Scheduler / Worker Pool (C5) -------------------------------------------
	pool := scheduler.New(scheduler.Config{
		Store:     taskStore,
		Queue:     taskQueue,
		Tokens:    tokens,
		Workspace: workspaces,
		Runner:    cliRunner,
		Poster:    outbound,
		Hooks:     hookRegistry,
		Budget:    tracker,
		LogSink:   hub,
		PoolSize:  cfg.Scheduler.GlobalConcurrency,
	})
	pool.Start(ctx)
	go metricsPollLoop(ctx, taskQueue, pool, mtr, cfg.Scheduler.GlobalConcurrency)

	// --- outbound notification dispatcher for dashboards/chatops watching
	// the control plane itself (distinct from C4's inbound provider webhooks) ---
	outboundHooks := webhooks.NewRegistry()
	hookDispatcher := webhooks.NewDispatcher(outboundHooks, cfg.Webhook.WorkerCount)
	defer hookDispatcher.Shutdown()

	// --- Webhook Ingress (C4) ----------------------------------------------------
	ig := ingress.New(ingress.Config{
		Store:   taskStore,
		Queue:   taskQueue,
		Markers: markers,
		DefaultSecrets: map[string]string{
			"github": cfg.Webhook.GitHubSecret,
			"jira":   cfg.Webhook.JiraSecret,
			"slack":  cfg.Webhook.SlackSecret,
			"sentry": cfg.Webhook.SentrySecret,
		},
	})

	health := &healthReporter{store: taskStore, queue: taskQueue, pool: pool}
	router := ingress.NewRouter(ig, health, cfg.Queue.SoftLimit, cfg.Queue.HardLimit)

	apiServer := api.New(taskStore, pool, outboundHooks, hookDispatcher, hub)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: 20, // QUEUE_SOFT_LIMIT-adjacent per-endpoint default (§6)
		BurstSize:         10,
	})
	ingressHandler := rateLimiter.Middleware(router.Handler())
	mux := http.NewServeMux()
	mux.Handle("/webhooks/", ingressHandler)
	mux.Handle("/health", router.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", apiServer.Handler())

	addr := fmt.Sprintf("%s:%s", cfg.Server.Interface, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentctl-server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		pool.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	pool.Stop()
	if redisAdapter != nil {
		redisAdapter.Close()
	}
	if budgetDB != nil {
		budgetDB.Close()
	}
	return nil
}

// queueDepthReporter is the subset of queue.Queue that exposes a point-in-time
// queued count; both MemQueue and RedisQueue implement it.
type queueDepthReporter interface {
	QueuedCount(ctx context.Context) (int, error)
}

func metricsPollLoop(ctx context.Context, q queue.Queue, pool *scheduler.Pool, mtr *metrics.Metrics, capacity int) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mtr.SetWorkerPool(pool.ActiveWorkers(), capacity)
			if reporter, ok := q.(queueDepthReporter); ok {
				pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				n, err := reporter.QueuedCount(pctx)
				cancel()
				if err == nil {
					mtr.SetQueueDepth("all", n)
				}
			}
		}
	}
}

func workspaceEvictionLoop(ctx context.Context, mgr *workspace.Manager) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := mgr.Evict(ctx)
			if err != nil {
				slog.Error("workspace eviction failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("evicted stale workspaces", "count", n)
			}
		}
	}
}

// healthReporter adapts the task store, queue, and worker pool into the
// /health signal (§6): queue depth, store reachability, worker pool
// utilization. Backends that don't expose a Ping are assumed healthy.
type healthReporter struct {
	store store.Store
	queue queue.Queue
	pool  *scheduler.Pool
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *healthReporter) QueueHealthy() bool {
	if p, ok := h.queue.(pinger); ok {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Ping(pctx) == nil
	}
	return true
}

func (h *healthReporter) StoreHealthy() bool {
	if p, ok := h.store.(pinger); ok {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Ping(pctx) == nil
	}
	return true
}

func (h *healthReporter) ActiveWorkers() int {
	return h.pool.ActiveWorkers()
}

// memMarkerStore is the in-process fallback for MarkerStore when
// QUEUE_URL selects the in-memory queue and no Redis instance is
// configured to back idempotency/posted-artifact markers.
type memMarkerStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemMarkerStore() *memMarkerStore {
	return &memMarkerStore{seen: make(map[string]time.Time)}
}

func (m *memMarkerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.seen[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *memMarkerStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.seen[key]
	return ok && time.Now().Before(exp), nil
}
