package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/jobs"
)

// =============================================================================
// READ MODELS
// =============================================================================
//
// Totals are aggregated in Go from per-charge sums. Amounts are stored as
// decimal text, and summing them in SQL would go through floating point on
// SQLite.

func isOpen(s ChargeStatus) bool {
	return s == ChargePending || s == ChargePartial
}

// ListPeriods returns the organization's periods with charge totals.
func (e *Engine) ListPeriods(ctx context.Context, orgID string) ([]PeriodSummary, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return nil, err
	}

	periods, err := e.Store.Periods(ctx, orgID)
	if err != nil {
		return nil, err
	}
	charges, err := e.Store.Charges(ctx, orgID, "")
	if err != nil {
		return nil, err
	}
	paid, err := e.Store.LivePaymentTotals(ctx, orgID, "")
	if err != nil {
		return nil, err
	}

	byPeriod := make(map[string]*PeriodSummary, len(periods))
	out := make([]PeriodSummary, len(periods))
	for i, p := range periods {
		out[i] = PeriodSummary{Period: p, TotalAmount: decimal.Zero, CollectedAmount: decimal.Zero}
		byPeriod[p.ID] = &out[i]
	}
	for _, c := range charges {
		s, ok := byPeriod[c.PeriodID]
		if !ok || c.Status == ChargeCancelled {
			continue
		}
		s.ChargeCount++
		s.TotalAmount = s.TotalAmount.Add(c.Amount)
		s.CollectedAmount = s.CollectedAmount.Add(paid[c.ID])
		switch {
		case c.Status == ChargePaid:
			s.PaidCount++
		case isOpen(c.Status):
			s.OpenCount++
		}
	}
	return out, nil
}

// ListCharges returns a period's charges with their payment position.
func (e *Engine) ListCharges(ctx context.Context, orgID, periodID string) ([]ChargeView, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return nil, err
	}

	period, err := loadPeriod(ctx, e.Store, orgID, periodID)
	if err != nil {
		return nil, err
	}
	settings, err := e.settings(ctx, e.Store, orgID)
	if err != nil {
		return nil, err
	}
	charges, err := e.Store.Charges(ctx, orgID, period.ID)
	if err != nil {
		return nil, err
	}
	paid, err := e.Store.LivePaymentTotals(ctx, orgID, period.ID)
	if err != nil {
		return nil, err
	}
	fees, err := e.Store.ActiveLateFeeTotals(ctx, orgID, period.ID)
	if err != nil {
		return nil, err
	}
	units, err := e.Store.Units(ctx, orgID)
	if err != nil {
		return nil, err
	}
	dueTypes, err := e.Store.DueTypes(ctx, orgID, false)
	if err != nil {
		return nil, err
	}

	unitNumbers := make(map[string]string, len(units))
	for _, u := range units {
		unitNumbers[u.ID] = u.Number
	}
	dueTypeNames := make(map[string]string, len(dueTypes))
	for _, dt := range dueTypes {
		dueTypeNames[dt.ID] = dt.Name
	}

	// Overdue once the grace period after the due date has passed.
	overdue := period.DueDate.AddDays(settings.LateFeeGraceDays).Before(e.today())

	out := make([]ChargeView, 0, len(charges))
	for _, c := range charges {
		v := ChargeView{
			Charge:      c,
			UnitNumber:  unitNumbers[c.UnitID],
			DueTypeName: dueTypeNames[c.DueTypeID],
			Paid:        paid[c.ID],
			LateFees:    fees[c.ID],
			Remaining:   decimal.Zero,
		}
		if c.Status != ChargeCancelled {
			v.Remaining = decimal.Max(decimal.Zero, c.Amount.Sub(v.Paid))
		}
		v.Overdue = isOpen(c.Status) && overdue
		out = append(out, v)
	}
	return out, nil
}

// ListPayments returns every payment of a charge, cancelled ones included.
func (e *Engine) ListPayments(ctx context.Context, orgID, chargeID string) ([]Payment, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return nil, err
	}
	if _, err := loadCharge(ctx, e.Store, orgID, chargeID); err != nil {
		return nil, err
	}
	return e.Store.PaymentsByCharge(ctx, chargeID)
}

// ListLateFees returns every late fee of a charge, cancelled ones included.
func (e *Engine) ListLateFees(ctx context.Context, orgID, chargeID string) ([]LateFee, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return nil, err
	}
	if _, err := loadCharge(ctx, e.Store, orgID, chargeID); err != nil {
		return nil, err
	}
	return e.Store.LateFeesByCharge(ctx, chargeID)
}

// Summary aggregates open and collected amounts across the organization.
func (e *Engine) Summary(ctx context.Context, orgID string) (OrgSummary, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return OrgSummary{}, err
	}

	periods, err := e.Store.Periods(ctx, orgID)
	if err != nil {
		return OrgSummary{}, err
	}
	charges, err := e.Store.Charges(ctx, orgID, "")
	if err != nil {
		return OrgSummary{}, err
	}
	paid, err := e.Store.LivePaymentTotals(ctx, orgID, "")
	if err != nil {
		return OrgSummary{}, err
	}
	fees, err := e.Store.ActiveLateFeeTotals(ctx, orgID, "")
	if err != nil {
		return OrgSummary{}, err
	}

	s := OrgSummary{OpenAmount: decimal.Zero, CollectedAmount: decimal.Zero, LateFeeAmount: decimal.Zero}
	for _, p := range periods {
		if p.Status == PeriodActive {
			s.ActivePeriods++
		}
	}
	for _, c := range charges {
		if c.Status == ChargeCancelled {
			continue
		}
		s.CollectedAmount = s.CollectedAmount.Add(paid[c.ID])
		s.LateFeeAmount = s.LateFeeAmount.Add(fees[c.ID])
		if isOpen(c.Status) {
			s.OpenCharges++
			s.OpenAmount = s.OpenAmount.Add(decimal.Max(decimal.Zero, c.Amount.Sub(paid[c.ID])))
		}
	}
	return s, nil
}

// StuckJobs lists the organization's jobs that have been running for longer
// than olderThan. Jobs whose payload no longer decodes belong to no
// organization and are left out.
func (e *Engine) StuckJobs(ctx context.Context, orgID string, olderThan time.Duration) ([]jobs.Job, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleAdmin); err != nil {
		return nil, err
	}

	stuck, err := e.Store.Stuck(ctx, e.now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	out := make([]jobs.Job, 0, len(stuck))
	for _, job := range stuck {
		payload, err := jobs.Decode(job)
		if err != nil || payload.Organization() != orgID {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
