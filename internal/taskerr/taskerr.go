// Package taskerr centralizes the error taxonomy shared across every
// component: User, Transient, Permanent, and System failures, the same
// way circuitbreaker centralizes its sentinel errors.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the scheduler and hook runner need to
// react to it: retry, surface to the user, or page an operator.
type Kind int

const (
	// KindUser means the task input itself was invalid; never retried.
	KindUser Kind = iota
	// KindTransient means the failure is expected to clear on retry
	// (rate limit, network blip, lease contention).
	KindTransient
	// KindPermanent means retrying will not help (auth revoked, repo
	// deleted, unsupported command).
	KindPermanent
	// KindSystem means our own infrastructure is unhealthy (store down,
	// out of disk, panic recovered).
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers up the stack can
// branch on retry-ability without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with a Kind and the operation that produced it.
// Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindSystem for errors
// that were never classified (the safe default: don't silently retry
// something unknown forever, but don't discard it as permanent either —
// System failures are retried with backoff like Transient ones by the
// scheduler, just also paged).
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindSystem
}

// Retryable reports whether the scheduler should requeue the task.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindSystem:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict: stale lease or status")
	ErrLeaseExpired     = errors.New("lease expired")
	ErrQueueFull        = errors.New("queue at capacity")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrAlreadyExists    = errors.New("already exists")
	ErrUnauthorized     = errors.New("unauthorized: provider rejected credential")
	ErrPolicyViolation  = errors.New("policy violation")
	ErrResourceExhausted = errors.New("resource exhausted")
)
