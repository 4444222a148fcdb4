package dues

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// LATE FEE CALCULATOR
// =============================================================================
//
//   fee = round(max(0, amount - livePaid) * rate * daysOverdue / 30, 2)
//
// Simple interest prorated over a fixed 30-day month. Rounding is
// half-to-even.

var thirtyDays = decimal.NewFromInt(30)

// LateFeeAmount computes the fee on base for daysOverdue days at rate.
func LateFeeAmount(base, rate decimal.Decimal, daysOverdue int) decimal.Decimal {
	if base.IsNegative() {
		base = decimal.Zero
	}
	fee := base.Mul(rate).Mul(decimal.NewFromInt(int64(daysOverdue))).Div(thirtyDays)
	return generic.RoundMoney(fee)
}

// ApplyLateFee adds a late fee to a pending or partial charge whose period
// due date is strictly before today.
func (e *Engine) ApplyLateFee(ctx context.Context, orgID, chargeID string, rate decimal.Decimal, note string) (LateFee, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return LateFee{}, err
	}
	if !rate.IsPositive() {
		return LateFee{}, generic.Unprocessable("late fee rate must be positive")
	}

	var fee LateFee
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		charge, err := loadCharge(ctx, tx, orgID, chargeID)
		if err != nil {
			return err
		}
		if charge.Status != ChargePending && charge.Status != ChargePartial {
			return generic.Unprocessable("late fees apply only to pending or partial charges (status %s)", charge.Status)
		}
		period, err := tx.Period(ctx, charge.PeriodID)
		if err != nil {
			return err
		}

		today := e.today()
		if !period.DueDate.Before(today) {
			return generic.Unprocessable("due date %s has not passed yet", period.DueDate)
		}
		days := generic.DaysBetween(period.DueDate, today)

		paid, err := tx.LivePaymentTotal(ctx, charge.ID)
		if err != nil {
			return err
		}
		amount := LateFeeAmount(charge.Amount.Sub(paid), rate, days)
		if !amount.IsPositive() {
			return generic.Unprocessable("computed late fee is zero; rate or overdue time is insufficient")
		}

		fee = LateFee{
			ID:          generic.NewID(),
			OrgID:       orgID,
			ChargeID:    charge.ID,
			Amount:      amount,
			Rate:        rate,
			DaysOverdue: days,
			Status:      LateFeeActive,
			AppliedBy:   userID,
			AppliedAt:   e.now(),
			Note:        note,
		}
		if err := tx.InsertLateFee(ctx, fee); err != nil {
			return fmt.Errorf("failed to insert late fee: %w", err)
		}
		return e.audit(ctx, tx, "late_fees", fee.ID, userID, generic.AuditInsert, map[string]any{
			"amount":       fee.Amount.StringFixed(2),
			"rate":         fee.Rate.String(),
			"days_overdue": fee.DaysOverdue,
		})
	})
	if err != nil {
		return LateFee{}, err
	}

	e.Log.Info("late fee applied",
		zap.String("charge_id", chargeID),
		zap.String("amount", fee.Amount.StringFixed(2)),
		zap.Int("days_overdue", fee.DaysOverdue),
	)
	return fee, nil
}

// ApplyDefaultLateFee applies a late fee at the organization's configured rate.
func (e *Engine) ApplyDefaultLateFee(ctx context.Context, orgID, chargeID, note string) (LateFee, error) {
	settings, err := e.settings(ctx, e.Store, orgID)
	if err != nil {
		return LateFee{}, err
	}
	return e.ApplyLateFee(ctx, orgID, chargeID, settings.LateFeeRate, note)
}

// CancelLateFee flips an active fee to cancelled. The charge is untouched.
func (e *Engine) CancelLateFee(ctx context.Context, orgID, feeID, note string) error {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return err
	}

	return e.Store.WithTx(ctx, func(tx Tx) error {
		fee, err := loadLateFee(ctx, tx, orgID, feeID)
		if err != nil {
			return err
		}
		if fee.Status == LateFeeCancelled {
			return generic.Unprocessable("late fee is already cancelled")
		}

		ok, err := tx.CancelLateFee(ctx, fee.ID, userID, note, e.now())
		if err != nil {
			return fmt.Errorf("failed to cancel late fee: %w", err)
		}
		if !ok {
			return generic.Conflict("late fee was cancelled concurrently")
		}
		return e.audit(ctx, tx, "late_fees", fee.ID, userID, generic.AuditCancel, map[string]any{"status": LateFeeCancelled, "note": note})
	})
}
