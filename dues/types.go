/*
Package dues is the dues accrual and payment-reconciliation engine.

PURPOSE:
  Drives billing periods through their lifecycle, generates charges in bulk
  against per-category pricing, reconciles payments against charges and
  computes late fees on overdue balances.

KEY CONCEPTS:
  Period:  A billing cycle (start date, due date) with a status machine
  DueType: Catalog entry: default amount plus optional per-category overrides
  Charge:  One owed amount for one (period, unit, due type) triple
  Payment: Ledger entry against a charge; soft-deleted, never removed
  LateFee: Simple-interest penalty on the unpaid remainder of a charge

CORE INSIGHT:
  A charge's status is a fold of its live payments:
    sum <= 0          -> pending
    0 < sum < amount  -> partial
    sum >= amount     -> paid
  It is recomputed and written in the same transaction as every ledger
  change, never derived lazily on read.

FILES:
  pricing.go        Resolve: category amount or default
  preview.go        Accrual preview (read-only enumeration)
  period.go         Period lifecycle and guarded transitions
  accrual.go        Trigger + bulk accrual job handler
  ledger.go         Payments and charge cancellation
  latefee.go        Late fee apply/cancel
  notifications.go  Notification jobs and due reminders
  engine.go         Engine wiring, authorization, read models
*/
package dues

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// STATUSES
// =============================================================================

type PeriodStatus string

const (
	PeriodDraft      PeriodStatus = "draft"
	PeriodProcessing PeriodStatus = "processing"
	PeriodActive     PeriodStatus = "active"
	PeriodFailed     PeriodStatus = "failed"
	PeriodClosed     PeriodStatus = "closed"
)

type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargePartial   ChargeStatus = "partial"
	ChargePaid      ChargeStatus = "paid"
	ChargeCancelled ChargeStatus = "cancelled"
)

type LateFeeStatus string

const (
	LateFeeActive    LateFeeStatus = "active"
	LateFeeCancelled LateFeeStatus = "cancelled"
)

// =============================================================================
// ENTITIES
// =============================================================================

type Period struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"organization_id"`
	Name           string       `json:"name"`
	StartDate      generic.Date `json:"start_date"`
	DueDate        generic.Date `json:"due_date"`
	Status         PeriodStatus `json:"status"`
	CreatedBy      string       `json:"created_by"`
	CreatedAt      time.Time    `json:"created_at"`
	ReminderSentAt *time.Time   `json:"reminder_sent_at,omitempty"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
}

type DueType struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"organization_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	DefaultAmount decimal.Decimal `json:"default_amount"`
	// CategoryAmounts is the raw JSON object {"category": "amount"}.
	// Read it through Prices(), which tolerates malformed content.
	CategoryAmounts string    `json:"category_amounts,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Unit is the accrual view of a unit. Category is empty when unset.
type Unit struct {
	ID       string `json:"id"`
	OrgID    string `json:"organization_id"`
	Number   string `json:"unit_number"`
	Category string `json:"category,omitempty"`
	Occupied bool   `json:"occupied"`
}

type Charge struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"organization_id"`
	PeriodID  string          `json:"period_id"`
	UnitID    string          `json:"unit_id"`
	DueTypeID string          `json:"due_type_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    ChargeStatus    `json:"status"`
	CreatedBy string          `json:"created_by"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Payment struct {
	ID                string          `json:"id"`
	OrgID             string          `json:"organization_id"`
	ChargeID          string          `json:"unit_due_id"`
	ReceiptNumber     string          `json:"receipt_number"`
	Amount            decimal.Decimal `json:"amount"`
	PaidAt            time.Time       `json:"paid_at"`
	Method            string          `json:"payment_method"`
	CollectedBy       string          `json:"collected_by"`
	IsOverpayment     bool            `json:"is_overpayment"`
	OverpaymentAmount decimal.Decimal `json:"overpayment_amount"`
	Note              string          `json:"note,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy       string          `json:"cancelled_by,omitempty"`
}

// Live reports whether the payment counts toward the charge.
func (p Payment) Live() bool { return p.CancelledAt == nil }

type LateFee struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"organization_id"`
	ChargeID    string          `json:"unit_due_id"`
	Amount      decimal.Decimal `json:"amount"`
	Rate        decimal.Decimal `json:"fee_rate"`
	DaysOverdue int             `json:"days_overdue"`
	Status      LateFeeStatus   `json:"status"`
	AppliedBy   string          `json:"applied_by"`
	AppliedAt   time.Time       `json:"applied_at"`
	Note        string          `json:"note,omitempty"`
	CancelledBy string          `json:"cancelled_by,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

// Settings are the per-organization defaults for fees and reminders.
type Settings struct {
	OrgID              string          `json:"organization_id"`
	LateFeeRate        decimal.Decimal `json:"late_fee_rate"`
	LateFeeGraceDays   int             `json:"late_fee_grace_days"`
	ReminderDaysBefore int             `json:"reminder_days_before"`
}

// DefaultSettings applies when an organization has never saved settings.
func DefaultSettings(orgID string) Settings {
	return Settings{
		OrgID:              orgID,
		LateFeeRate:        decimal.RequireFromString("0.02"),
		LateFeeGraceDays:   0,
		ReminderDaysBefore: 3,
	}
}

// Recipient is someone to notify about a unit's dues.
type Recipient struct {
	UserID     string
	Email      string
	UnitNumber string
}

// =============================================================================
// READ MODELS
// =============================================================================

// PeriodSummary is a period with charge totals.
type PeriodSummary struct {
	Period
	ChargeCount     int             `json:"charge_count"`
	PaidCount       int             `json:"paid_count"`
	OpenCount       int             `json:"open_count"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	CollectedAmount decimal.Decimal `json:"collected_amount"`
}

// ChargeView is a charge with its unit, due type and payment position.
type ChargeView struct {
	Charge
	UnitNumber  string          `json:"unit_number"`
	DueTypeName string          `json:"due_type_name"`
	Paid        decimal.Decimal `json:"paid_amount"`
	Remaining   decimal.Decimal `json:"remaining_amount"`
	LateFees    decimal.Decimal `json:"late_fee_amount"`
	Overdue     bool            `json:"overdue"`
}

// ResidentCharge is one charge on a unit the caller lives in.
// EstimatedLateFee is what a late fee at the organization's default rate
// would come to today, after the grace days; zero when not overdue.
type ResidentCharge struct {
	ChargeView
	PeriodName       string          `json:"period_name"`
	DueDate          generic.Date    `json:"due_date"`
	EstimatedLateFee decimal.Decimal `json:"estimated_late_fee"`
}

// ResidentPayment is one live payment on a unit the caller lives in.
type ResidentPayment struct {
	Payment
	PeriodName  string `json:"period_name"`
	DueTypeName string `json:"due_type_name"`
	UnitNumber  string `json:"unit_number"`
}

// PaymentHistory is one page of a resident's payments, newest first.
type PaymentHistory struct {
	Items      []ResidentPayment `json:"items"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
}

// OrgSummary is the organization-wide dues dashboard.
type OrgSummary struct {
	ActivePeriods   int             `json:"active_periods"`
	OpenCharges     int             `json:"open_charges"`
	OpenAmount      decimal.Decimal `json:"open_amount"`
	CollectedAmount decimal.Decimal `json:"collected_amount"`
	LateFeeAmount   decimal.Decimal `json:"late_fee_amount"`
}
