// Package poster implements the Result Poster (C7): formats a runner
// artifact for its originating provider and posts it back, then writes the
// posted-artifact marker as soon as the provider call has returned the
// artifact id, so a later echo webhook within TTL is dropped by ingress.
// The marker is not in place while the provider call is in flight, so an
// echo that arrives before the marker write is not dropped. Retry/backoff and the outbound http.Client usage follow the
// same shape internal/webhooks/dispatcher.go uses for operator webhook
// delivery, generalized to four provider-native formats instead of one
// JSON envelope.
package poster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentctl/core/internal/circuitbreaker"
	"github.com/agentctl/core/internal/retry"
	"github.com/agentctl/core/internal/runner"
	"github.com/agentctl/core/internal/store"
	"github.com/agentctl/core/internal/taskerr"
)

// Target identifies where a posted artifact goes, carrying whichever
// subset of fields its provider needs.
type Target struct {
	Provider    string
	OrgID       string
	Repository  string
	IssueNumber int
	PRNumber    int
	CommentID   string
	ChannelID   string
	ThreadID    string
	TicketKey   string
}

// RateLimitError signals a 429 response; Post waits RetryAfter before its
// next attempt, on top of the policy's own backoff.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermanentError wraps a 4xx (other than 429) response: retrying will not help.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error (status %d): %s", e.StatusCode, e.Body)
}

// ProviderClient is the narrow outbound verb set every provider implements
// (§6): post_comment, post_message, update_status, add_reaction. Returns
// the artifact id the provider assigned, used as the posted-marker key.
type ProviderClient interface {
	PostComment(ctx context.Context, target Target, body string) (artifactID string, err error)
	PostMessage(ctx context.Context, target Target, body string) (artifactID string, err error)
	UpdateStatus(ctx context.Context, target Target, status string) error
	AddReaction(ctx context.Context, target Target, reaction string) error
}

// MarkerStore is the TTL-capable posted-artifact marker port (§3), shared
// with the Webhook Ingress (C4).
type MarkerStore interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

const postedMarkerTTL = time.Hour

// Poster is the Result Poster (C7).
type Poster struct {
	clients  map[string]ProviderClient
	markers  MarkerStore
	breakers *circuitbreaker.ProviderBreakers
	policy   retry.Policy
}

// New constructs a Poster. Clients are registered per provider via
// RegisterClient before any Post call for that provider.
func New(markers MarkerStore, breakers *circuitbreaker.ProviderBreakers) *Poster {
	return &Poster{
		clients:  make(map[string]ProviderClient),
		markers:  markers,
		breakers: breakers,
		policy:   retry.Default(),
	}
}

// RegisterClient wires a provider's concrete ProviderClient implementation.
func (p *Poster) RegisterClient(provider string, client ProviderClient) {
	p.clients[provider] = client
}

func targetFromTask(task *store.Task) Target {
	m := task.SourceMetadata
	return Target{
		Provider:    m.Provider,
		OrgID:       task.OrgID,
		Repository:  m.Repository,
		IssueNumber: m.IssueNumber,
		PRNumber:    m.PRNumber,
		CommentID:   m.CommentID,
		ChannelID:   m.ThreadID,
		ThreadID:    m.ThreadID,
		TicketKey:   m.TicketKey,
	}
}

// Post formats artifact for task's source provider and posts it. Once the
// provider call returns the artifact id, the posted-artifact marker is
// written so an echo of this very artifact (e.g. GitHub re-delivering our
// own comment) is dropped at ingress rather than spawning a new task. An
// echo that reaches ingress before that write is not dropped.
func (p *Poster) Post(ctx context.Context, task *store.Task, artifact runner.Artifact) error {
	client, ok := p.clients[task.SourceMetadata.Provider]
	if !ok {
		return taskerr.Wrap(taskerr.KindSystem, "poster.Post", fmt.Errorf("no provider client registered for %q", task.SourceMetadata.Provider))
	}

	body := formatFor(task.SourceMetadata.Provider, artifact)
	target := targetFromTask(task)
	breaker := p.breakerFor(task.SourceMetadata.Provider)

	var artifactID string
	result, runErr := breaker.Execute(func() (interface{}, error) {
		var id string
		err := retry.Do(ctx, p.policy, p.shouldRetry, func(attempt int) error {
			var postErr error
			if task.SourceMetadata.Provider == "slack" {
				id, postErr = client.PostMessage(ctx, target, body)
			} else {
				id, postErr = client.PostComment(ctx, target, body)
			}
			var rle *RateLimitError
			if errors.As(postErr, &rle) && rle.RetryAfter > 0 && attempt < p.policy.MaxAttempts {
				select {
				case <-ctx.Done():
				case <-time.After(rle.RetryAfter):
				}
			}
			return postErr
		})
		return id, err
	})
	if runErr != nil {
		var rle *RateLimitError
		if errors.As(runErr, &rle) {
			return taskerr.Wrap(taskerr.KindTransient, "poster.Post", runErr)
		}
		var perm *PermanentError
		if errors.As(runErr, &perm) {
			return taskerr.Wrap(taskerr.KindPermanent, "poster.Post", runErr)
		}
		return taskerr.Wrap(taskerr.KindSystem, "poster.Post", runErr)
	}
	artifactID = result.(string)

	if artifactID != "" {
		markerKey := fmt.Sprintf("posted:%s:%s", task.SourceMetadata.Provider, artifactID)
		if _, err := p.markers.SetNX(ctx, markerKey, []byte("1"), postedMarkerTTL); err != nil {
			slog.Warn("failed to write posted-artifact marker", "provider", task.SourceMetadata.Provider, "artifact_id", artifactID, "error", err)
		}
	}

	return nil
}

// PostTimeoutNotice posts a short notice that the task was force-killed
// after exceeding its wall-clock budget (§4.5 step 9).
func (p *Poster) PostTimeoutNotice(ctx context.Context, task *store.Task) error {
	return p.Post(ctx, task, runner.Artifact{Kind: "log", Content: "Task exceeded its time budget and was stopped."})
}

func (p *Poster) shouldRetry(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return true
}

func (p *Poster) breakerFor(provider string) *circuitbreaker.CircuitBreaker {
	switch provider {
	case "github":
		return p.breakers.GitHubPost
	case "jira":
		return p.breakers.JiraPost
	case "slack":
		return p.breakers.SlackPost
	case "sentry":
		return p.breakers.SentryPost
	default:
		return p.breakers.GitHubPost
	}
}
