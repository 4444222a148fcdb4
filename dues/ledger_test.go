package dues_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		amount, paid string
		want         dues.ChargeStatus
	}{
		{"1000", "0", dues.ChargePending},
		{"1000", "0.01", dues.ChargePartial},
		{"1000", "999.99", dues.ChargePartial},
		{"1000", "1000", dues.ChargePaid},
		{"1000", "1200", dues.ChargePaid},
		{"0", "0", dues.ChargePending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dues.StatusFor(dec(tt.amount), dec(tt.paid)), "amount=%s paid=%s", tt.amount, tt.paid)
	}
}

func TestReceiptNumber_Format(t *testing.T) {
	r := dues.ReceiptNumber(time.Date(2025, 3, 12, 23, 0, 0, 0, time.UTC))
	assert.Regexp(t, `^20250312-[0-9A-F]{6}$`, r)
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

func TestRecordPayment_StatusFollowsLiveSum(t *testing.T) {
	// GIVEN: A pending charge of 1500
	h := newHarness(t)
	p, charges := h.activeJanuary()
	c := charges["A-101"]

	// WHEN: 500 is paid
	pay, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("500"), Method: "cash"})
	require.NoError(t, err)

	// THEN: The charge is partial
	assert.Equal(t, dues.ChargePartial, h.charge(c.ID).Status)
	assert.Equal(t, "u-board", pay.CollectedBy)
	assert.False(t, pay.IsOverpayment)
	assert.Regexp(t, `^20250312-[0-9A-F]{6}$`, pay.ReceiptNumber)

	// WHEN: The remaining 1000 is paid
	_, err = h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("1000"), Method: "transfer"})
	require.NoError(t, err)

	// THEN: The charge is paid with nothing remaining
	view := h.charges(p.ID)["A-101"]
	assert.Equal(t, dues.ChargePaid, view.Status)
	assert.Equal(t, "1500.00", view.Paid.StringFixed(2))
	assert.True(t, view.Remaining.IsZero())

	_, err = h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("1"), Method: "cash"})
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "paid charges accept no payments")
}

func TestRecordPayment_Validation(t *testing.T) {
	h := newHarness(t)
	_, charges := h.activeJanuary()
	c := charges["A-101"]

	_, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("0"), Method: "cash"})
	assert.ErrorIs(t, err, generic.ErrUnprocessable)

	_, err = h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("10"), Method: "  "})
	assert.ErrorIs(t, err, generic.ErrUnprocessable)

	_, err = h.engine.RecordPayment(h.resident, orgID, c.ID, dues.NewPayment{Amount: dec("10"), Method: "cash"})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = h.engine.RecordPayment(h.board, orgID, "missing", dues.NewPayment{Amount: dec("10"), Method: "cash"})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestRecordPayment_OverpaymentNeedsConfirmation(t *testing.T) {
	// GIVEN: A pending charge of 800
	h := newHarness(t)
	_, charges := h.activeJanuary()
	c := charges["A-102"]

	// WHEN: 1000 is paid without confirmation
	_, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("1000"), Method: "cash"})

	// THEN: Confirmation is required with the excess, nothing is written
	var confirm *generic.ConfirmationRequiredError
	require.True(t, errors.As(err, &confirm))
	assert.Equal(t, "200.00", confirm.Excess.StringFixed(2))
	assert.ErrorIs(t, err, generic.ErrUnprocessable)
	assert.ErrorIs(t, err, generic.ErrConfirmationRequired)

	payments, err := h.engine.ListPayments(h.board, orgID, c.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
	assert.Equal(t, dues.ChargePending, h.charge(c.ID).Status)

	// WHEN: The same payment is confirmed
	pay, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{
		Amount: dec("1000"), Method: "cash", ConfirmedOverpayment: true,
	})

	// THEN: It is recorded as an overpayment and the charge is paid
	require.NoError(t, err)
	assert.True(t, pay.IsOverpayment)
	assert.Equal(t, "200.00", pay.OverpaymentAmount.StringFixed(2))
	assert.Equal(t, dues.ChargePaid, h.charge(c.ID).Status)
}

func TestRecordPayment_AuditsInsert(t *testing.T) {
	h := newHarness(t)
	_, charges := h.activeJanuary()

	pay, err := h.engine.RecordPayment(h.board, orgID, charges["A-101"].ID, dues.NewPayment{Amount: dec("250.50"), Method: "cash"})
	require.NoError(t, err)

	trail, err := h.store.AuditTrail(context.Background(), "payments", pay.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, generic.AuditInsert, trail[0].Action)
	assert.Equal(t, "u-board", trail[0].ActorID)
	assert.Equal(t, "250.50", trail[0].NewValue["amount"])
}

// =============================================================================
// UPDATE / CANCEL PAYMENT
// =============================================================================

func TestUpdatePayment_RecomputesStatus(t *testing.T) {
	// GIVEN: A partial payment of 500 on a 1500 charge
	h := newHarness(t)
	_, charges := h.activeJanuary()
	c := charges["A-101"]
	pay, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("500"), Method: "cash"})
	require.NoError(t, err)

	// WHEN: The admin corrects the amount to 1500 and keeps the receipt
	updated, err := h.engine.UpdatePayment(h.admin, orgID, pay.ID, dues.PaymentUpdate{Amount: dec("1500"), Method: "transfer"})

	// THEN: The charge is paid and the receipt is unchanged
	require.NoError(t, err)
	assert.Equal(t, pay.ReceiptNumber, updated.ReceiptNumber)
	assert.Equal(t, "transfer", updated.Method)
	assert.Equal(t, dues.ChargePaid, h.charge(c.ID).Status)

	// WHEN: The amount is lowered again with a new receipt number
	updated, err = h.engine.UpdatePayment(h.admin, orgID, pay.ID, dues.PaymentUpdate{ReceiptNumber: "MANUAL-1", Amount: dec("100"), Method: "cash"})

	// THEN: The charge drops back to partial
	require.NoError(t, err)
	assert.Equal(t, "MANUAL-1", updated.ReceiptNumber)
	assert.Equal(t, dues.ChargePartial, h.charge(c.ID).Status)
}

func TestUpdatePayment_Guards(t *testing.T) {
	h := newHarness(t)
	_, charges := h.activeJanuary()
	pay, err := h.engine.RecordPayment(h.board, orgID, charges["A-101"].ID, dues.NewPayment{Amount: dec("500"), Method: "cash"})
	require.NoError(t, err)

	_, err = h.engine.UpdatePayment(h.board, orgID, pay.ID, dues.PaymentUpdate{Amount: dec("600"), Method: "cash"})
	assert.ErrorIs(t, err, generic.ErrForbidden, "admin only")

	require.NoError(t, h.engine.CancelPayment(h.admin, orgID, pay.ID))
	_, err = h.engine.UpdatePayment(h.admin, orgID, pay.ID, dues.PaymentUpdate{Amount: dec("600"), Method: "cash"})
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "cancelled payments are immutable")
}

func TestCancelPayment_ReturnsChargeToPending(t *testing.T) {
	// GIVEN: A partially paid charge
	h := newHarness(t)
	p, charges := h.activeJanuary()
	c := charges["A-101"]
	pay, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("500"), Method: "cash"})
	require.NoError(t, err)

	// WHEN: The payment is cancelled
	require.NoError(t, h.engine.CancelPayment(h.admin, orgID, pay.ID))

	// THEN: The charge is pending, the payment is kept but not live
	view := h.charges(p.ID)["A-101"]
	assert.Equal(t, dues.ChargePending, view.Status)
	assert.True(t, view.Paid.IsZero())

	payments, err := h.engine.ListPayments(h.board, orgID, c.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.False(t, payments[0].Live())
	assert.Equal(t, "u-admin", payments[0].CancelledBy)

	assert.ErrorIs(t, h.engine.CancelPayment(h.admin, orgID, pay.ID), generic.ErrUnprocessable, "already cancelled")
}

// =============================================================================
// CHARGES
// =============================================================================

func TestCancelCharge_PaidAmountNeedsConfirmation(t *testing.T) {
	// GIVEN: A charge with a live payment and an active late fee
	h := newHarness(t)
	_, charges := h.activeJanuary()
	c := charges["A-101"]
	_, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("500"), Method: "cash"})
	require.NoError(t, err)
	fee, err := h.engine.ApplyLateFee(h.admin, orgID, c.ID, dec("0.025"), "")
	require.NoError(t, err)

	// WHEN: It is cancelled without confirmation
	err = h.engine.CancelCharge(h.admin, orgID, c.ID, false)

	// THEN: The paid amount is reported and nothing changes
	var confirm *generic.ConfirmationRequiredError
	require.True(t, errors.As(err, &confirm))
	assert.Equal(t, "500.00", confirm.Paid.StringFixed(2))
	assert.Equal(t, dues.ChargePartial, h.charge(c.ID).Status)

	// WHEN: It is cancelled with confirmation
	require.NoError(t, h.engine.CancelCharge(h.admin, orgID, c.ID, true))

	// THEN: The charge, its payments and its fees are all cancelled
	assert.Equal(t, dues.ChargeCancelled, h.charge(c.ID).Status)
	payments, err := h.engine.ListPayments(h.board, orgID, c.ID)
	require.NoError(t, err)
	for _, p := range payments {
		assert.False(t, p.Live())
	}
	fees, err := h.engine.ListLateFees(h.board, orgID, c.ID)
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.Equal(t, fee.ID, fees[0].ID)
	assert.Equal(t, dues.LateFeeCancelled, fees[0].Status)
}

func TestCancelCharge_Guards(t *testing.T) {
	h := newHarness(t)
	p, charges := h.activeJanuary()

	_, err := h.engine.RecordPayment(h.board, orgID, charges["A-102"].ID, dues.NewPayment{Amount: dec("800"), Method: "cash"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.CancelCharge(h.admin, orgID, charges["A-102"].ID, true), generic.ErrUnprocessable, "paid")

	require.NoError(t, h.engine.CancelCharge(h.admin, orgID, charges["A-104"].ID, false))
	assert.ErrorIs(t, h.engine.CancelCharge(h.admin, orgID, charges["A-104"].ID, false), generic.ErrUnprocessable, "already cancelled")

	_, err = h.engine.ClosePeriod(h.admin, orgID, p.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.CancelCharge(h.admin, orgID, charges["A-101"].ID, false), generic.ErrUnprocessable, "closed period")
}

func TestRecordPayment_AllowedOnClosedPeriod(t *testing.T) {
	h := newHarness(t)
	p, charges := h.activeJanuary()
	_, err := h.engine.ClosePeriod(h.admin, orgID, p.ID)
	require.NoError(t, err)

	_, err = h.engine.RecordPayment(h.board, orgID, charges["A-101"].ID, dues.NewPayment{Amount: dec("100"), Method: "cash"})
	require.NoError(t, err)
	assert.Equal(t, dues.ChargePartial, h.charge(charges["A-101"].ID).Status)
}

func TestCreateManualCharge(t *testing.T) {
	h := newHarness(t)
	p, _ := h.activeJanuary()

	// The empty unit was skipped by the accrual and can be billed by hand.
	c, err := h.engine.CreateManualCharge(h.admin, orgID, p.ID, dues.NewCharge{
		UnitID: h.units["A-103"], DueTypeID: h.dueType.ID, Amount: dec("1500"), Note: "owner billed directly",
	})
	require.NoError(t, err)
	assert.Equal(t, dues.ChargePending, c.Status)
	assert.Equal(t, "owner billed directly", c.Note)

	_, err = h.engine.CreateManualCharge(h.admin, orgID, p.ID, dues.NewCharge{
		UnitID: h.units["A-101"], DueTypeID: h.dueType.ID, Amount: dec("10"),
	})
	assert.ErrorIs(t, err, generic.ErrConflict, "live triple already billed")

	_, err = h.engine.CreateManualCharge(h.admin, orgID, p.ID, dues.NewCharge{
		UnitID: h.units["A-101"], DueTypeID: h.dueType.ID, Amount: dec("-1"),
	})
	assert.ErrorIs(t, err, generic.ErrUnprocessable)

	_, err = h.engine.CreateManualCharge(h.admin, orgID, p.ID, dues.NewCharge{
		UnitID: "missing", DueTypeID: h.dueType.ID, Amount: dec("10"),
	})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = h.engine.ClosePeriod(h.admin, orgID, p.ID)
	require.NoError(t, err)
	_, err = h.engine.CreateManualCharge(h.admin, orgID, p.ID, dues.NewCharge{
		UnitID: h.units["A-103"], DueTypeID: h.dueType.ID, Amount: dec("10"),
	})
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "closed period")
}
