package dues_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
)

func TestLateFeeAmount(t *testing.T) {
	tests := []struct {
		name       string
		base, rate string
		days       int
		want       string
	}{
		{"forty days at 2.5%", "1000", "0.025", 40, "33.33"},
		{"one month", "1000", "0.02", 30, "20.00"},
		{"half-to-even down", "1", "0.125", 30, "0.12"},
		{"half-to-even up", "1", "0.135", 30, "0.14"},
		{"negative base clamps", "-50", "0.02", 30, "0.00"},
		{"zero days", "1000", "0.02", 0, "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dues.LateFeeAmount(dec(tt.base), dec(tt.rate), tt.days)
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestApplyLateFee_OnFullAmount(t *testing.T) {
	// GIVEN: A 1000 charge due 40 days ago
	h := newHarness(t)
	_, charges := h.activeJanuary()

	// WHEN: A 2.5% fee is applied
	fee, err := h.engine.ApplyLateFee(h.admin, orgID, charges["A-104"].ID, dec("0.025"), "reminded twice")

	// THEN: 1000 * 0.025 * 40 / 30
	require.NoError(t, err)
	assert.Equal(t, "33.33", fee.Amount.StringFixed(2))
	assert.Equal(t, 40, fee.DaysOverdue)
	assert.Equal(t, dues.LateFeeActive, fee.Status)
	assert.Equal(t, "u-admin", fee.AppliedBy)
	assert.Equal(t, "reminded twice", fee.Note)
}

func TestApplyLateFee_OnUnpaidRemainder(t *testing.T) {
	// GIVEN: 400 of a 1000 charge paid
	h := newHarness(t)
	p, charges := h.activeJanuary()
	c := charges["A-104"]
	_, err := h.engine.RecordPayment(h.board, orgID, c.ID, dues.NewPayment{Amount: dec("400"), Method: "cash"})
	require.NoError(t, err)

	// WHEN: A 2.5% fee is applied
	fee, err := h.engine.ApplyLateFee(h.admin, orgID, c.ID, dec("0.025"), "")

	// THEN: Only the 600 remainder accrues, and the view shows the fee
	require.NoError(t, err)
	assert.Equal(t, "20.00", fee.Amount.StringFixed(2))
	assert.Equal(t, "20.00", h.charges(p.ID)["A-104"].LateFees.StringFixed(2))
	assert.Equal(t, dues.ChargePartial, h.charge(c.ID).Status, "fees never change the charge")
}

func TestApplyLateFee_Guards(t *testing.T) {
	h := newHarness(t)
	_, charges := h.activeJanuary()

	_, err := h.engine.ApplyLateFee(h.admin, orgID, charges["A-101"].ID, dec("0"), "")
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "zero rate")

	_, err = h.engine.ApplyLateFee(h.board, orgID, charges["A-101"].ID, dec("0.02"), "")
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = h.engine.RecordPayment(h.board, orgID, charges["A-102"].ID, dues.NewPayment{Amount: dec("800"), Method: "cash"})
	require.NoError(t, err)
	_, err = h.engine.ApplyLateFee(h.admin, orgID, charges["A-102"].ID, dec("0.02"), "")
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "paid charge")

	// A rate so small the fee rounds to zero.
	_, err = h.engine.ApplyLateFee(h.admin, orgID, charges["A-101"].ID, dec("0.000001"), "")
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "zero fee")
}

func TestApplyLateFee_RequiresPassedDueDate(t *testing.T) {
	// GIVEN: A period due today
	h := newHarness(t)
	p, err := h.engine.CreatePeriod(h.admin, orgID, dues.NewPeriod{
		Name: "March 2025", StartDate: generic.NewDate(2025, 3, 1), DueDate: generic.NewDate(2025, 3, 12),
	})
	require.NoError(t, err)
	c, err := h.engine.CreateManualCharge(h.admin, orgID, p.ID, dues.NewCharge{
		UnitID: h.units["A-101"], DueTypeID: h.dueType.ID, Amount: dec("1500"),
	})
	require.NoError(t, err)

	// WHEN: A fee is applied on the due date
	_, err = h.engine.ApplyLateFee(h.admin, orgID, c.ID, dec("0.02"), "")

	// THEN: It is refused
	assert.ErrorIs(t, err, generic.ErrUnprocessable)
}

func TestApplyDefaultLateFee_UsesSettingsRate(t *testing.T) {
	h := newHarness(t)
	_, charges := h.activeJanuary()

	// Defaults: 2%.
	fee, err := h.engine.ApplyDefaultLateFee(h.admin, orgID, charges["A-104"].ID, "")
	require.NoError(t, err)
	assert.Equal(t, "0.02", fee.Rate.String())
	assert.Equal(t, "26.67", fee.Amount.StringFixed(2))

	_, err = h.engine.UpdateSettings(h.admin, orgID, dues.Settings{LateFeeRate: dec("0.03"), ReminderDaysBefore: 3})
	require.NoError(t, err)
	fee, err = h.engine.ApplyDefaultLateFee(h.admin, orgID, charges["A-104"].ID, "")
	require.NoError(t, err)
	assert.Equal(t, "40.00", fee.Amount.StringFixed(2))
}

func TestCancelLateFee(t *testing.T) {
	// GIVEN: An active late fee
	h := newHarness(t)
	p, charges := h.activeJanuary()
	c := charges["A-104"]
	fee, err := h.engine.ApplyLateFee(h.admin, orgID, c.ID, dec("0.025"), "")
	require.NoError(t, err)

	// WHEN: It is cancelled
	require.NoError(t, h.engine.CancelLateFee(h.admin, orgID, fee.ID, "waived by board"))

	// THEN: It no longer counts, the charge is unchanged
	fees, err := h.engine.ListLateFees(h.board, orgID, c.ID)
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.Equal(t, dues.LateFeeCancelled, fees[0].Status)
	assert.Equal(t, "waived by board", fees[0].Note)
	assert.Equal(t, "u-admin", fees[0].CancelledBy)
	assert.True(t, h.charges(p.ID)["A-104"].LateFees.IsZero())
	assert.Equal(t, dues.ChargePending, h.charge(c.ID).Status)

	assert.ErrorIs(t, h.engine.CancelLateFee(h.admin, orgID, fee.ID, ""), generic.ErrUnprocessable, "already cancelled")

	trail, err := h.store.AuditTrail(context.Background(), "late_fees", fee.ID)
	require.NoError(t, err)
	actions := make([]generic.AuditAction, 0, len(trail))
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []generic.AuditAction{generic.AuditInsert, generic.AuditCancel}, actions)
}
