package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateSignal     = errors.New("signal already processed")
	ErrEdgeUndefined       = errors.New("edge undefined")
	ErrZeroPriceMove       = errors.New("entry price equals target price")
	ErrSessionCompleted    = errors.New("session already completed")
	ErrSessionBlocked      = errors.New("session requires manual confirmation")
	ErrSessionBusy         = errors.New("session has an open trade")
	ErrSessionPaused       = errors.New("session is paused")
	ErrSessionConflict     = errors.New("another active session exists for symbol")
	ErrUnknownTrade        = errors.New("trade does not belong to session")
	ErrPersistenceDeferred = errors.New("persistence deferred to mutation cache")

	// ErrRegistrationInactive means an overnight registration was already closed or rolled back.
	ErrRegistrationInactive = errors.New("overnight registration is no longer active")
)

// ValidationError lists every reason a payload was rejected.
type ValidationError struct {
	Reasons  []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// InvariantError is raised when a transition breaks the decision graph.
type InvariantError struct {
	SessionID string
	From      string
	To        string
	Reason    string
}

func (e *InvariantError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("session %s: invalid transition %s -> %s: %s", e.SessionID, e.From, e.To, e.Reason)
}

// ExecutionError wraps the last venue error after retries were exhausted.
type ExecutionError struct {
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

var transientMarkers = []string{
	"network",
	"timeout",
	"timed out",
	"connection",
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"server error",
	"internal error",
	"gateway",
	"unavailable",
	"database is locked",
	"busy",
	"eof",
	"broken pipe",
	"reset by peer",
}

// IsTransient reports whether err looks like a temporary infrastructure failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
