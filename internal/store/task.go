// Package store implements the durable Task Store (C8): task and
// installation metadata, state transitions, and lifecycle timestamps.
// Types and the Store port are grounded on the unified task domain model
// used elsewhere in this lineage, renamed to the control plane's
// lease/heartbeat/ack/nack vocabulary.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task (§4.5 state machine).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusTimedOut  Status = "timed-out"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status is an absorbing state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions encodes the §4.5 state machine. A transition not
// present here fails with taskerr.ErrConflict.
var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusLeased, StatusCancelled, StatusSkipped},
	StatusLeased:  {StatusRunning, StatusQueued /* reclaim */, StatusCancelled, StatusFailed, StatusSkipped},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled},
}

// CanTransition reports whether from -> to is permitted by the state machine.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Priority is the queue priority band (§4.3).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Command is one of the agent verbs recognized by activation rules (§4.4).
type Command string

const (
	CommandAnalyze   Command = "analyze"
	CommandPlan      Command = "plan"
	CommandImplement Command = "implement"
	CommandFix       Command = "fix"
	CommandReview    Command = "review"
	CommandApprove   Command = "approve"
	CommandReject    Command = "reject"
	CommandImprove   Command = "improve"
	CommandHelp      Command = "help"
)

// Source identifies how a task was created.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceManual  Source = "manual"
)

// SourceMetadata is the structured origin of a task: repository, PR/issue
// number, comment/thread id, ticket key, or Sentry issue id — whichever
// subset applies to the originating provider.
type SourceMetadata struct {
	Provider      string `json:"provider"`
	Repository    string `json:"repository,omitempty"`
	IssueNumber   int    `json:"issue_number,omitempty"`
	PRNumber      int    `json:"pr_number,omitempty"`
	CommentID     string `json:"comment_id,omitempty"`
	ThreadID      string `json:"thread_id,omitempty"`
	TicketKey     string `json:"ticket_key,omitempty"`
	SentryIssueID string `json:"sentry_issue_id,omitempty"`
	MentionAnchor string `json:"mention_anchor,omitempty"`
}

// Result summarizes a task's artifact and cost metrics on completion.
type Result struct {
	ArtifactSummary string  `json:"artifact_summary,omitempty"`
	ArtifactJSON    json.RawMessage `json:"artifact_json,omitempty"`
	InputTokens     int     `json:"input_tokens,omitempty"`
	OutputTokens    int     `json:"output_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	Posted          bool    `json:"posted"`
}

// Task is the unit of work the control plane schedules and executes.
type Task struct {
	ID             string         `json:"id"` // ULID-like, time-sortable
	InstallationID string         `json:"installation_id"`
	OrgID          string         `json:"org_id"`
	Source         Source         `json:"source"`
	Command        Command        `json:"command"`
	InputMessage   string         `json:"input_message"`
	SourceMetadata SourceMetadata `json:"source_metadata"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	Attempt       int        `json:"attempt"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`

	Result    *Result `json:"result,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
	ErrorMsg  string  `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is one audit-trail row recording a status change.
type Transition struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListFilter narrows a List query.
type ListFilter struct {
	OrgID    string
	Statuses []Status
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Installation is a credential set for one (provider, organization) pair.
// The Token Service (C1) is the sole writer; the store only persists rows.
type Installation struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	OrgID            string    `json:"org_id"`
	AccessTokenCipher []byte   `json:"access_token_cipher"`
	RefreshTokenCipher []byte  `json:"refresh_token_cipher,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	WebhookSecret    string    `json:"webhook_secret,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store is the unified task/installation persistence port. Transitions
// invalid under the §4.5 state machine fail with taskerr.ErrConflict.
type Store interface {
	EnsureSchema(ctx context.Context) error

	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// SetStatus performs a compare-and-set transition, recording a
	// Transition row atomically. Fails with taskerr.ErrConflict if the
	// transition is not permitted from the task's current status.
	SetStatus(ctx context.Context, taskID string, to Status, reason string) error
	SetResult(ctx context.Context, taskID string, result Result) error
	SetError(ctx context.Context, taskID string, kind, message string) error

	// TryClaimTask atomically sets status=leased, owner=ownerID,
	// lease-expires-at=leaseUntil, and increments attempt, but only if the
	// task is currently queued or its prior lease has expired.
	TryClaimTask(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error)
	RenewLease(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error)
	ReleaseLease(ctx context.Context, taskID, ownerID string) error

	List(ctx context.Context, filter ListFilter) ([]*Task, int, error)
	Transitions(ctx context.Context, taskID string) ([]Transition, error)

	// MarkStaleRunning fails every leased/running task whose lease expired
	// more than 10 minutes ago; the attempt count is not consulted.
	MarkStaleRunning(ctx context.Context, reason string) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)

	CreateInstallation(ctx context.Context, inst *Installation) error
	GetInstallation(ctx context.Context, provider, orgID string) (*Installation, error)
	GetInstallationByID(ctx context.Context, id string) (*Installation, error)
	UpdateInstallation(ctx context.Context, inst *Installation) error
	DeactivateInstallation(ctx context.Context, id string) error

	Close() error
}
