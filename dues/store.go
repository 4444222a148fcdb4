package dues

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Tx is everything the engine reads and writes. A Store is itself a Tx
// running each call on its own; inside WithTx every call joins one database
// transaction. Lookups of missing rows return generic.ErrNotFound.
//
// Guarded mutations return (changed bool, err): false means the guard did
// not match and nothing was written.
type Tx interface {
	jobs.Queue

	// Periods
	InsertPeriod(ctx context.Context, p Period) error
	Period(ctx context.Context, id string) (Period, error)
	Periods(ctx context.Context, orgID string) ([]Period, error)
	// TransitionPeriod sets status=to WHERE id AND status IN from. Moving to
	// closed also stamps closed_at.
	TransitionPeriod(ctx context.Context, id string, from []PeriodStatus, to PeriodStatus, at time.Time) (bool, error)
	// DeleteDraftPeriod deletes WHERE status='draft' AND no live charges.
	DeleteDraftPeriod(ctx context.Context, id string) (bool, error)
	// RemindablePeriods lists active periods with no reminder sent yet.
	RemindablePeriods(ctx context.Context) ([]Period, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error)

	// Catalog
	InsertDueType(ctx context.Context, dt DueType) error
	DueType(ctx context.Context, id string) (DueType, error)
	DueTypes(ctx context.Context, orgID string, activeOnly bool) ([]DueType, error)
	UpdateDueType(ctx context.Context, dt DueType) error
	// DueTypeNameTaken ignores the due type excludeID ("" ignores none).
	DueTypeNameTaken(ctx context.Context, orgID, normalizedName, excludeID string) (bool, error)
	Unit(ctx context.Context, id string) (Unit, error)
	// Units returns live units ordered by unit number, with occupancy.
	Units(ctx context.Context, orgID string) ([]Unit, error)
	UnitRecipients(ctx context.Context, unitID string) ([]Recipient, error)
	// ResidentUnitIDs lists the live units of orgID where userID is an
	// active resident.
	ResidentUnitIDs(ctx context.Context, orgID, userID string) ([]string, error)

	// Charges
	InsertCharge(ctx context.Context, c Charge) error
	// InsertChargesIgnoringDuplicates skips rows whose live
	// (period, unit, due type) triple already exists.
	InsertChargesIgnoringDuplicates(ctx context.Context, cs []Charge) (inserted int, err error)
	Charge(ctx context.Context, id string) (Charge, error)
	// Charges lists an organization's charges; periodID "" means all periods.
	Charges(ctx context.Context, orgID, periodID string) ([]Charge, error)
	CountLiveCharges(ctx context.Context, periodID string) (int, error)
	SetChargeStatus(ctx context.Context, id string, status ChargeStatus, at time.Time) error

	// Payments
	InsertPayment(ctx context.Context, p Payment) error
	Payment(ctx context.Context, id string) (Payment, error)
	PaymentsByCharge(ctx context.Context, chargeID string) ([]Payment, error)
	LivePaymentTotal(ctx context.Context, chargeID string) (decimal.Decimal, error)
	// LivePaymentTotals maps charge id to its live payment sum.
	LivePaymentTotals(ctx context.Context, orgID, periodID string) (map[string]decimal.Decimal, error)
	// UpdatePayment rewrites the mutable fields of a live payment.
	UpdatePayment(ctx context.Context, p Payment) (bool, error)
	CancelPayment(ctx context.Context, id, by string, at time.Time) (bool, error)
	CancelLivePayments(ctx context.Context, chargeID, by string, at time.Time) (int, error)

	// Late fees
	InsertLateFee(ctx context.Context, f LateFee) error
	LateFee(ctx context.Context, id string) (LateFee, error)
	LateFeesByCharge(ctx context.Context, chargeID string) ([]LateFee, error)
	ActiveLateFeeTotals(ctx context.Context, orgID, periodID string) (map[string]decimal.Decimal, error)
	CancelLateFee(ctx context.Context, id, by, note string, at time.Time) (bool, error)
	CancelActiveLateFees(ctx context.Context, chargeID, by, note string, at time.Time) (int, error)

	// Settings
	Settings(ctx context.Context, orgID string) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error

	// Audit
	AppendAudit(ctx context.Context, e generic.AuditEntry, at time.Time) error
}

// Store adds transactions to Tx.
type Store interface {
	Tx
	// WithTx commits if fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
