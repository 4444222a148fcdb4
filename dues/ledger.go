package dues

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
)

// =============================================================================
// CHARGE STATUS FOLD
// =============================================================================

// StatusFor folds a live payment sum against the charge amount.
func StatusFor(amount, livePaid decimal.Decimal) ChargeStatus {
	switch {
	case !livePaid.IsPositive():
		return ChargePending
	case livePaid.GreaterThanOrEqual(amount):
		return ChargePaid
	default:
		return ChargePartial
	}
}

// refreshStatus recomputes and stores the status of a live charge.
func (e *Engine) refreshStatus(ctx context.Context, tx Tx, c Charge) (ChargeStatus, error) {
	paid, err := tx.LivePaymentTotal(ctx, c.ID)
	if err != nil {
		return "", err
	}
	status := StatusFor(c.Amount, paid)
	if err := tx.SetChargeStatus(ctx, c.ID, status, e.now()); err != nil {
		return "", fmt.Errorf("failed to update charge status: %w", err)
	}
	return status, nil
}

// ReceiptNumber formats YYYYMMDD-XXXXXX from the paid-at day.
func ReceiptNumber(paidAt time.Time) string {
	return paidAt.UTC().Format("20060102") + "-" + generic.ShortCode(6)
}

// =============================================================================
// RECORD / UPDATE / CANCEL PAYMENT
// =============================================================================

// NewPayment is the input of RecordPayment.
type NewPayment struct {
	Amount decimal.Decimal
	PaidAt time.Time
	Method string
	Note   string
	// ConfirmedOverpayment accepts a total above the charge amount.
	ConfirmedOverpayment bool
}

// RecordPayment adds a payment to a charge and refreshes its status. A total
// above the charge amount without confirmation returns a
// *generic.ConfirmationRequiredError carrying the excess and writes nothing.
func (e *Engine) RecordPayment(ctx context.Context, orgID, chargeID string, in NewPayment) (Payment, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleBoardMember)
	if err != nil {
		return Payment{}, err
	}
	if !in.Amount.IsPositive() {
		return Payment{}, generic.Unprocessable("payment amount must be positive")
	}
	method := strings.TrimSpace(in.Method)
	if method == "" {
		return Payment{}, generic.Unprocessable("payment method is required")
	}
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = e.now()
	}

	var payment Payment
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		charge, err := loadCharge(ctx, tx, orgID, chargeID)
		if err != nil {
			return err
		}
		if charge.Status == ChargeCancelled || charge.Status == ChargePaid {
			return generic.Unprocessable("cannot record a payment on a %s charge", charge.Status)
		}

		paid, err := tx.LivePaymentTotal(ctx, charge.ID)
		if err != nil {
			return err
		}
		newTotal := paid.Add(in.Amount)

		excess := decimal.Zero
		if newTotal.GreaterThan(charge.Amount) {
			excess = newTotal.Sub(charge.Amount)
			if !in.ConfirmedOverpayment {
				return &generic.ConfirmationRequiredError{
					Reason: fmt.Sprintf("payment total %s exceeds charge amount %s", newTotal.StringFixed(2), charge.Amount.StringFixed(2)),
					Excess: excess,
				}
			}
		}

		payment = Payment{
			ID:                generic.NewID(),
			OrgID:             orgID,
			ChargeID:          charge.ID,
			ReceiptNumber:     ReceiptNumber(paidAt),
			Amount:            in.Amount,
			PaidAt:            paidAt.UTC(),
			Method:            method,
			CollectedBy:       userID,
			IsOverpayment:     excess.IsPositive(),
			OverpaymentAmount: excess,
			Note:              in.Note,
			CreatedAt:         e.now(),
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		if err := tx.SetChargeStatus(ctx, charge.ID, StatusFor(charge.Amount, newTotal), e.now()); err != nil {
			return fmt.Errorf("failed to update charge status: %w", err)
		}
		if err := e.audit(ctx, tx, "payments", payment.ID, userID, generic.AuditInsert, map[string]any{
			"receipt_number": payment.ReceiptNumber,
			"amount":         payment.Amount.StringFixed(2),
			"payment_method": payment.Method,
		}); err != nil {
			return err
		}
		_, err = e.enqueue(ctx, tx, jobs.PaymentRecorded{
			OrgID:         orgID,
			ChargeID:      charge.ID,
			PaymentID:     payment.ID,
			ReceiptNumber: payment.ReceiptNumber,
			Amount:        payment.Amount,
		})
		return err
	})
	if err != nil {
		return Payment{}, err
	}

	e.Log.Info("payment recorded",
		zap.String("org_id", orgID),
		zap.String("charge_id", chargeID),
		zap.String("receipt", payment.ReceiptNumber),
		zap.Bool("overpayment", payment.IsOverpayment),
	)
	return payment, nil
}

// PaymentUpdate holds the mutable fields of a payment.
type PaymentUpdate struct {
	ReceiptNumber string
	Amount        decimal.Decimal
	PaidAt        time.Time
	Method        string
	Note          string
}

// UpdatePayment rewrites a live payment and recomputes its charge's status
// from the full live sum. An empty ReceiptNumber keeps the current one.
func (e *Engine) UpdatePayment(ctx context.Context, orgID, paymentID string, in PaymentUpdate) (Payment, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return Payment{}, err
	}
	if !in.Amount.IsPositive() {
		return Payment{}, generic.Unprocessable("payment amount must be positive")
	}
	if strings.TrimSpace(in.Method) == "" {
		return Payment{}, generic.Unprocessable("payment method is required")
	}

	var updated Payment
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := loadPayment(ctx, tx, orgID, paymentID)
		if err != nil {
			return err
		}
		if !p.Live() {
			return generic.Unprocessable("cancelled payments cannot be edited")
		}
		charge, err := tx.Charge(ctx, p.ChargeID)
		if err != nil {
			return err
		}
		if charge.Status == ChargeCancelled {
			return generic.Unprocessable("payments of a cancelled charge cannot be edited")
		}

		if r := strings.TrimSpace(in.ReceiptNumber); r != "" {
			p.ReceiptNumber = r
		}
		p.Amount = in.Amount
		if !in.PaidAt.IsZero() {
			p.PaidAt = in.PaidAt.UTC()
		}
		p.Method = strings.TrimSpace(in.Method)
		p.Note = in.Note

		ok, err := tx.UpdatePayment(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		if !ok {
			return generic.Conflict("payment was cancelled concurrently")
		}
		if _, err := e.refreshStatus(ctx, tx, charge); err != nil {
			return err
		}
		updated = p
		return e.audit(ctx, tx, "payments", p.ID, userID, generic.AuditUpdate, map[string]any{
			"receipt_number": p.ReceiptNumber,
			"amount":         p.Amount.StringFixed(2),
			"payment_method": p.Method,
		})
	})
	if err != nil {
		return Payment{}, err
	}
	return updated, nil
}

// CancelPayment soft-deletes a payment and recomputes its charge's status.
// Payments are never physically deleted.
func (e *Engine) CancelPayment(ctx context.Context, orgID, paymentID string) error {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return err
	}

	return e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := loadPayment(ctx, tx, orgID, paymentID)
		if err != nil {
			return err
		}
		if !p.Live() {
			return generic.Unprocessable("payment is already cancelled")
		}
		charge, err := tx.Charge(ctx, p.ChargeID)
		if err != nil {
			return err
		}

		ok, err := tx.CancelPayment(ctx, p.ID, userID, e.now())
		if err != nil {
			return fmt.Errorf("failed to cancel payment: %w", err)
		}
		if !ok {
			return generic.Conflict("payment was cancelled concurrently")
		}
		if charge.Status != ChargeCancelled {
			if _, err := e.refreshStatus(ctx, tx, charge); err != nil {
				return err
			}
		}
		if err := e.audit(ctx, tx, "payments", p.ID, userID, generic.AuditCancel, map[string]any{"cancelled": true}); err != nil {
			return err
		}
		_, err = e.enqueue(ctx, tx, jobs.PaymentCancelled{OrgID: orgID, ChargeID: charge.ID, PaymentID: p.ID})
		return err
	})
}

// =============================================================================
// CHARGES
// =============================================================================

// NewCharge is the input of CreateManualCharge.
type NewCharge struct {
	UnitID    string
	DueTypeID string
	Amount    decimal.Decimal
	Note      string
}

// CreateManualCharge adds one charge outside a bulk accrual run.
func (e *Engine) CreateManualCharge(ctx context.Context, orgID, periodID string, in NewCharge) (Charge, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return Charge{}, err
	}
	if !in.Amount.IsPositive() {
		return Charge{}, generic.Unprocessable("charge amount must be positive")
	}

	var charge Charge
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		period, err := loadPeriod(ctx, tx, orgID, periodID)
		if err != nil {
			return err
		}
		if !period.acceptsCharges() {
			return generic.Unprocessable("cannot add charges to a %s period", period.Status)
		}
		unit, err := tx.Unit(ctx, in.UnitID)
		if err != nil {
			return err
		}
		if unit.OrgID != orgID {
			return generic.NotFound("unit not found")
		}
		dt, err := tx.DueType(ctx, in.DueTypeID)
		if err != nil {
			return err
		}
		if dt.OrgID != orgID {
			return generic.NotFound("due type not found")
		}
		if !dt.IsActive {
			return generic.Unprocessable("due type %q is inactive", dt.Name)
		}

		now := e.now()
		charge = Charge{
			ID:        generic.NewID(),
			OrgID:     orgID,
			PeriodID:  period.ID,
			UnitID:    unit.ID,
			DueTypeID: dt.ID,
			Amount:    in.Amount,
			Status:    ChargePending,
			CreatedBy: userID,
			Note:      in.Note,
			CreatedAt: now,
			UpdatedAt: now,
		}
		// A live duplicate triple surfaces as Conflict from the store.
		if err := tx.InsertCharge(ctx, charge); err != nil {
			return err
		}
		return e.audit(ctx, tx, "unit_dues", charge.ID, userID, generic.AuditInsert, map[string]any{
			"amount": charge.Amount.StringFixed(2),
			"unit":   unit.Number,
		})
	})
	if err != nil {
		return Charge{}, err
	}
	return charge, nil
}

// CancelCharge cancels a charge together with its live payments and active
// late fees. If any live payment exists, confirm must be set; otherwise a
// *generic.ConfirmationRequiredError carrying the paid amount is returned.
func (e *Engine) CancelCharge(ctx context.Context, orgID, chargeID string, confirm bool) error {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return err
	}

	var cancelledPayments, cancelledFees int
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		charge, err := loadCharge(ctx, tx, orgID, chargeID)
		if err != nil {
			return err
		}
		switch charge.Status {
		case ChargeCancelled:
			return generic.Unprocessable("charge is already cancelled")
		case ChargePaid:
			return generic.Unprocessable("a fully paid charge cannot be cancelled")
		}
		period, err := tx.Period(ctx, charge.PeriodID)
		if err != nil {
			return err
		}
		if period.Status == PeriodClosed {
			return generic.Unprocessable("charges of a closed period cannot be cancelled")
		}

		paid, err := tx.LivePaymentTotal(ctx, charge.ID)
		if err != nil {
			return err
		}
		if paid.IsPositive() && !confirm {
			return &generic.ConfirmationRequiredError{
				Reason: "charge has payments; cancelling it also cancels them",
				Paid:   paid,
			}
		}

		now := e.now()
		if cancelledFees, err = tx.CancelActiveLateFees(ctx, charge.ID, userID, "charge cancelled", now); err != nil {
			return fmt.Errorf("failed to cancel late fees: %w", err)
		}
		if cancelledPayments, err = tx.CancelLivePayments(ctx, charge.ID, userID, now); err != nil {
			return fmt.Errorf("failed to cancel payments: %w", err)
		}
		if err := tx.SetChargeStatus(ctx, charge.ID, ChargeCancelled, now); err != nil {
			return fmt.Errorf("failed to cancel charge: %w", err)
		}
		return e.audit(ctx, tx, "unit_dues", charge.ID, userID, generic.AuditCancel, map[string]any{"status": ChargeCancelled})
	})
	if err != nil {
		return err
	}

	e.Log.Info("charge cancelled",
		zap.String("org_id", orgID),
		zap.String("charge_id", chargeID),
		zap.Int("payments_cancelled", cancelledPayments),
		zap.Int("late_fees_cancelled", cancelledFees),
	)
	return nil
}
