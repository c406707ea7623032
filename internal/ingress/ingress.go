// Package ingress implements the Webhook Ingress (C4): per-provider
// inbound handlers that verify signatures, dedup against idempotency and
// posted-artifact markers, apply data-driven activation rules, and
// enqueue tasks. Routing and signature layout are grounded on gorilla/mux
// usage elsewhere in this lineage; the activation-rule table is new,
// generalizing each provider's grammar into one data shape instead of
// one code path per provider.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/core/internal/queue"
	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/taskerr"
)

// MarkerStore is the TTL-capable idempotency/posted-marker port (§3, §4.4).
// infra.GoRedisAdapter satisfies it directly.
type MarkerStore interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

const idempotencyTTL = time.Hour

// NormalizedEvent is the provider-agnostic shape every parser produces.
type NormalizedEvent struct {
	Provider       string
	EventID        string
	OrgID          string
	InstallationID string
	Command        store.Command
	InputMessage   string
	SourceMetadata store.SourceMetadata
	IsPullRequest  bool
	PRMergeRef     string
	ArtifactID     string // posted-marker id this event might echo, if any
	Priority       store.Priority
}

// Parser turns a provider's raw payload into zero-or-more normalized
// events (zero when the payload carries no activation-relevant content,
// e.g. a ping or a non-comment webhook).
type Parser func(body []byte) ([]NormalizedEvent, error)

// ActivationRule decides whether a normalized event should create a task,
// encoded as data per §4.4 rather than per-provider branches.
type ActivationRule struct {
	Provider string
	Match    func(ev NormalizedEvent) bool
}

// Ingress is the Webhook Ingress (C4).
type Ingress struct {
	store   store.Store
	queue   queue.Queue
	markers MarkerStore
	parsers map[string]Parser
	rules   []ActivationRule

	defaultSecrets map[string]string // provider -> env-configured fallback secret
}

// Config wires the Ingress's dependencies and default per-provider secrets.
type Config struct {
	Store          store.Store
	Queue          queue.Queue
	Markers        MarkerStore
	DefaultSecrets map[string]string // GITHUB_WEBHOOK_SECRET, etc.
}

// New constructs an Ingress with the standard four-provider parser and
// activation-rule set registered.
func New(cfg Config) *Ingress {
	ig := &Ingress{
		store:          cfg.Store,
		queue:          cfg.Queue,
		markers:        cfg.Markers,
		parsers:        make(map[string]Parser),
		defaultSecrets: cfg.DefaultSecrets,
	}
	ig.parsers["github"] = parseGitHub
	ig.parsers["jira"] = parseJira
	ig.parsers["slack"] = parseSlack
	ig.parsers["sentry"] = parseSentry
	ig.rules = defaultActivationRules()
	return ig
}

// ReceiveResult reports the outcome of Receive for the HTTP layer.
type ReceiveResult int

const (
	ResultEnqueued ReceiveResult = iota
	ResultSkippedNotActivated
	ResultSkippedDuplicate
	ResultSkippedBackpressure
)

// Receive implements the §4.4 pipeline: verify, parse, dedup, activate,
// enqueue. Signature verification happens in the HTTP handler before
// Receive is called, via VerifySignature with the provider's default
// webhook secret; installation-specific secrets are not looked up.
func (ig *Ingress) Receive(ctx context.Context, provider string, body []byte, softLimit, hardLimit int) ([]ReceiveResult, error) {
	parser, ok := ig.parsers[provider]
	if !ok {
		return nil, taskerr.Wrap(taskerr.KindUser, "ingress.Receive", fmt.Errorf("unknown provider %q", provider))
	}

	events, err := parser(body)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindUser, "ingress.Receive", err)
	}

	results := make([]ReceiveResult, 0, len(events))
	for _, ev := range events {
		res, err := ig.processOne(ctx, ev, softLimit, hardLimit)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (ig *Ingress) processOne(ctx context.Context, ev NormalizedEvent, softLimit, hardLimit int) (ReceiveResult, error) {
	dedupKey := fmt.Sprintf("dedup:%s:%s", ev.Provider, ev.EventID)
	fresh, err := ig.markers.SetNX(ctx, dedupKey, []byte("1"), idempotencyTTL)
	if err != nil {
		return 0, taskerr.Wrap(taskerr.KindSystem, "ingress.dedup", err)
	}
	if !fresh {
		return ResultSkippedDuplicate, nil
	}

	if ev.ArtifactID != "" {
		postedKey := fmt.Sprintf("posted:%s:%s", ev.Provider, ev.ArtifactID)
		posted, err := ig.markers.Exists(ctx, postedKey)
		if err != nil {
			return 0, taskerr.Wrap(taskerr.KindSystem, "ingress.posted-check", err)
		}
		if posted {
			return ResultSkippedDuplicate, nil
		}
	}

	if !ig.activates(ev) {
		return ResultSkippedNotActivated, nil
	}

	queued, err := ig.queue.QueuedCount(ctx)
	if err != nil {
		return 0, taskerr.Wrap(taskerr.KindSystem, "ingress.backpressure", err)
	}
	if ev.Priority != store.PriorityCritical && queued >= softLimit {
		return ResultSkippedBackpressure, nil
	}
	if queued >= hardLimit {
		return ResultSkippedBackpressure, nil
	}

	task := &store.Task{
		ID:             uuid.NewString(),
		InstallationID: ev.InstallationID,
		OrgID:          ev.OrgID,
		Source:         store.SourceWebhook,
		Command:        ev.Command,
		InputMessage:   ev.InputMessage,
		SourceMetadata: ev.SourceMetadata,
		Priority:       ev.Priority,
		Status:         store.StatusQueued,
		ScheduledFor:   time.Now(),
	}
	if task.Priority == "" {
		task.Priority = store.PriorityNormal
	}
	if err := ig.store.CreateTask(ctx, task); err != nil {
		return 0, taskerr.Wrap(taskerr.KindSystem, "ingress.CreateTask", err)
	}
	if err := ig.queue.Enqueue(ctx, queue.Entry{
		TaskID:       task.ID,
		OrgID:        task.OrgID,
		Priority:     task.Priority,
		ScheduledFor: task.ScheduledFor,
	}); err != nil {
		return 0, taskerr.Wrap(taskerr.KindSystem, "ingress.Enqueue", err)
	}

	slog.Info("task enqueued from webhook", "provider", ev.Provider, "org", ev.OrgID, "task_id", task.ID, "command", ev.Command)
	return ResultEnqueued, nil
}

func (ig *Ingress) activates(ev NormalizedEvent) bool {
	for _, rule := range ig.rules {
		if rule.Provider == ev.Provider && rule.Match(ev) {
			return true
		}
	}
	return false
}

// VerifySignature checks body against the HMAC-SHA256 signature header in
// constant time, per §4.4. The router passes the provider's default
// webhook secret from configuration; it does not use an installation's
// own WebhookSecret.
func VerifySignature(secret string, header, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	got := header
	if i := indexByte(header, '='); i >= 0 {
		got = header[i+1:]
	}
	decoded, err := hexDecode(got)
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, expected)
}

// VerifySlackSignature checks Slack's v0= signed-secret scheme:
// HMAC-SHA256("v0:<timestamp>:<body>") compared against the v0= header.
func VerifySlackSignature(secret, timestamp string, header, body []byte) bool {
	base := "v0:" + timestamp + ":" + string(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), header)
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func hexDecode(b []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(b)))
	n, err := hex.Decode(out, b)
	return out[:n], err
}
