/*
Package generic provides the shared primitives of the dues engine.

PURPOSE:
  Domain-agnostic types used by every other package: identifiers, money
  helpers, calendar dates, the error taxonomy and the audit record shape.
  Nothing in here knows about periods, charges or payments.

KEY CONCEPTS IN THIS FILE (types.go):
  - ID: Opaque string identifiers (UUIDs)
  - Money: decimal.Decimal helpers, two-decimal rounding
  - AuditEntry: append-only record of who changed what

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Auditability: Every ledger mutation writes an AuditEntry in the same
     transaction as the mutation itself

SEE ALSO:
  - errors.go: Error kinds
  - time.go: Date and timestamp helpers
*/
package generic

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

// ShortCode returns n upper-case hex characters from a random UUID.
func ShortCode(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return strings.ToUpper(s[:n])
}

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places money is rounded to.
const MoneyPlaces = 2

// RoundMoney rounds half-to-even to two places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MoneyPlaces)
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditInsert AuditAction = "insert"
	AuditUpdate AuditAction = "update"
	AuditCancel AuditAction = "cancel"
)

// AuditEntry records who did what when. Written, never read by the engine.
type AuditEntry struct {
	Table    string
	RecordID string
	ActorID  string
	Action   AuditAction
	NewValue map[string]any
}
