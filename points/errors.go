/*
errors.go - Centralized error types for the points engine

ERROR CATEGORIES:
  1. Precondition errors - returned synchronously, never retried
     (NotFound, Unauthorized, InvalidStateTransition, InsufficientFunds)
  2. Internal retry errors - DuplicateInviteCode, retried up to a bound,
     then surfaced as ServiceUnavailable
  3. Operational errors - LedgerInconsistency, surfaced and queued for
     reconciliation, never retried with side effects

USAGE:
  if errors.Is(err, points.ErrInsufficientFunds) {
      var ife *points.InsufficientFundsError
      errors.As(err, &ife)
  }
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidInput           = errors.New("invalid input")

	// ErrDuplicateInviteCode is returned by stores when an invite code is
	// already taken. The Registry retries on it.
	ErrDuplicateInviteCode = errors.New("duplicate invite code")

	// ErrServiceUnavailable is returned when a bounded internal retry gives up.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrDuplicateIdempotencyKey is returned by stores when a ledger entry
	// with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLedgerInconsistency means balance and ledger disagree. Requires
	// reconciliation.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")

	// ErrOwnerMustDeleteGroup is returned when the owner tries to leave or
	// be removed from their own group.
	ErrOwnerMustDeleteGroup = errors.New("group owner cannot leave; delete the group instead")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "user", "group", "task", "wishlist item", "invite code"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// TransitionError is returned when an operation is attempted outside its
// legal source state.
type TransitionError struct {
	Entity string
	ID     string
	Op     string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Op, e.Entity, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// UnauthorizedError names the actor and the operation it lacks the role for.
type UnauthorizedError struct {
	Actor UserID
	Op    string
	Rule  string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %s may not %s: %s", e.Actor, e.Op, e.Rule)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %d, requested %d, shortfall %d",
		e.UserID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// LedgerInconsistencyError is surfaced to the caller as "transaction did not
// complete cleanly, please check your balance/history".
type LedgerInconsistencyError struct {
	UserID     UserID
	Ref        string
	Reason     string
	IncidentID IncidentID
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistency for user %s (ref %s): %s [incident %s]",
		e.UserID, e.Ref, e.Reason, e.IncidentID)
}

func (e *LedgerInconsistencyError) Unwrap() error { return ErrLedgerInconsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrOwnerMustDeleteGroup) ||
		errors.Is(err, ErrNotFound)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}
