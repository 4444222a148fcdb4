/*
errors.go - Centralized error kinds for the dues engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Domain packages return these (or wrap them) so the transport layer can
  map a failure to a status without knowing which operation produced it.

ERROR KINDS:
  NotFound:      Entity absent, or owned by another organization. Tenant
                 mismatch is reported as NotFound so existence is not leaked.
  Forbidden:     Caller lacks the required role or membership.
  Conflict:      Uniqueness violation or a lost optimistic-lock race.
  Unprocessable: Well-formed request that breaks a state-machine or business
                 precondition (wrong period status, zero fee, ...).
  Unauthorized:  No caller identity on the request.

NEEDS CONFIRMATION:
  Overpayment and cancelling a part-paid charge are not hard errors. They
  return ConfirmationRequiredError, which is Unprocessable AND carries the
  computed context (excess, already paid) so the client can re-submit with
  explicit confirmation.

USAGE:
  if errors.Is(err, generic.ErrNotFound) { ... }

  var confirm *generic.ConfirmationRequiredError
  if errors.As(err, &confirm) { ... confirm.Excess ... }

SEE ALSO:
  - api/errors.go: HTTP status mapping
  - dues/ledger.go: Produces ConfirmationRequiredError
*/
package generic

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when an entity does not exist or belongs to
	// another organization.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller's role is insufficient.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned on uniqueness violations and when a guarded
	// status transition affected zero rows.
	ErrConflict = errors.New("conflict")

	// ErrUnprocessable is returned when a request violates a business
	// precondition.
	ErrUnprocessable = errors.New("unprocessable")

	// ErrUnauthorized is returned when no caller identity is present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConfirmationRequired marks Unprocessable failures that the caller
	// may resolve by re-submitting with confirmation.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is a kinded error with a human-readable message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func Unprocessable(format string, args ...any) error {
	return &Error{Kind: ErrUnprocessable, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) error {
	return &Error{Kind: ErrUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// ConfirmationRequiredError is returned when an operation is legal but
// unusual and must be re-issued with explicit confirmation.
type ConfirmationRequiredError struct {
	Reason string
	// Excess is set for overpayments: newTotal - charge amount.
	Excess decimal.Decimal
	// Paid is set for part-paid charge cancellation: sum of live payments.
	Paid decimal.Decimal
}

func (e *ConfirmationRequiredError) Error() string {
	switch {
	case e.Excess.IsPositive():
		return fmt.Sprintf("%s (excess %s)", e.Reason, e.Excess.StringFixed(2))
	case e.Paid.IsPositive():
		return fmt.Sprintf("%s (paid %s)", e.Reason, e.Paid.StringFixed(2))
	default:
		return e.Reason
	}
}

// Is reports both the confirmation marker and the Unprocessable kind.
func (e *ConfirmationRequiredError) Is(target error) bool {
	return target == ErrConfirmationRequired || target == ErrUnprocessable
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request, not the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnprocessable) ||
		errors.Is(err, ErrUnauthorized)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
