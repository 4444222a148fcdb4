/*
dto.go - Request and response bodies for the HTTP API

PURPOSE:
  Defines the JSON request bodies and the few response wrappers the API
  adds around dues types. Entities (periods, charges, payments, late fees)
  are returned as the dues package serializes them.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Shape rules (required fields, date layout, lengths) are struct tags read
  by go-playground/validator. Business rules (positive amounts, period
  status, roles) stay in the dues engine.

  Amounts are decimal.Decimal and accept either a JSON number or a numeric
  string.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Error response body
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// PERIODS AND ACCRUAL
// =============================================================================

type CreatePeriodRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	DueDate   string `json:"due_date" validate:"required,datetime=2006-01-02"`
}

func (r CreatePeriodRequest) toInput() (dues.NewPeriod, error) {
	start, err := generic.ParseDate(r.StartDate)
	if err != nil {
		return dues.NewPeriod{}, err
	}
	due, err := generic.ParseDate(r.DueDate)
	if err != nil {
		return dues.NewPeriod{}, err
	}
	return dues.NewPeriod{Name: r.Name, StartDate: start, DueDate: due}, nil
}

// AccrualRequest is shared by preview and trigger. Confirmed is ignored by
// preview.
type AccrualRequest struct {
	DueTypeIDs        []string `json:"due_type_ids" validate:"required,min=1,dive,required"`
	IncludeEmptyUnits bool     `json:"include_empty_units"`
	Confirmed         bool     `json:"confirmed"`
}

func (r AccrualRequest) toInput(orgID, periodID string) dues.AccrualRequest {
	return dues.AccrualRequest{
		OrgID:             orgID,
		PeriodID:          periodID,
		DueTypeIDs:        r.DueTypeIDs,
		IncludeEmptyUnits: r.IncludeEmptyUnits,
	}
}

// =============================================================================
// CHARGES AND PAYMENTS
// =============================================================================

type CreateChargeRequest struct {
	UnitID    string          `json:"unit_id" validate:"required"`
	DueTypeID string          `json:"due_type_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note" validate:"max=500"`
}

type RecordPaymentRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	PaidAt  *time.Time      `json:"paid_at"`
	Method  string          `json:"payment_method" validate:"required,max=50"`
	Note    string          `json:"note" validate:"max=500"`
	Confirm bool            `json:"confirm_overpayment"`
}

func (r RecordPaymentRequest) toInput() dues.NewPayment {
	in := dues.NewPayment{
		Amount:               r.Amount,
		Method:               r.Method,
		Note:                 r.Note,
		ConfirmedOverpayment: r.Confirm,
	}
	if r.PaidAt != nil {
		in.PaidAt = *r.PaidAt
	}
	return in
}

type UpdatePaymentRequest struct {
	ReceiptNumber string          `json:"receipt_number" validate:"omitempty,max=50"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        *time.Time      `json:"paid_at"`
	Method        string          `json:"payment_method" validate:"required,max=50"`
	Note          string          `json:"note" validate:"max=500"`
}

func (r UpdatePaymentRequest) toInput() dues.PaymentUpdate {
	in := dues.PaymentUpdate{
		ReceiptNumber: r.ReceiptNumber,
		Amount:        r.Amount,
		Method:        r.Method,
		Note:          r.Note,
	}
	if r.PaidAt != nil {
		in.PaidAt = *r.PaidAt
	}
	return in
}

// =============================================================================
// LATE FEES AND SETTINGS
// =============================================================================

// ApplyLateFeeRequest uses the organization's default rate when FeeRate is
// omitted.
type ApplyLateFeeRequest struct {
	FeeRate *decimal.Decimal `json:"fee_rate"`
	Note    string           `json:"note" validate:"max=500"`
}

type CancelLateFeeRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type SettingsRequest struct {
	LateFeeRate        decimal.Decimal `json:"late_fee_rate"`
	LateFeeGraceDays   int             `json:"late_fee_grace_days" validate:"gte=0,lte=365"`
	ReminderDaysBefore int             `json:"reminder_days_before" validate:"gte=0,lte=60"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse carries a bearer token per seeded user so the demo
// organization can be driven immediately.
type LoadScenarioResponse struct {
	Scenario       ScenarioDTO       `json:"scenario"`
	OrganizationID string            `json:"organization_id"`
	Tokens         map[string]string `json:"tokens"`
}
