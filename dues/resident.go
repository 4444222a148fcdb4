package dues

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// RESIDENT SELF-SERVICE
// =============================================================================
//
// Residents see charges and payments of the units they actively live in,
// never the rest of the organization. Both views start from
// Tx.ResidentUnitIDs, so a resident who moved out loses the old unit.

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// residentScope is everything the resident views join against.
type residentScope struct {
	units        map[string]bool
	unitNumbers  map[string]string
	dueTypeNames map[string]string
	periods      map[string]Period
	charges      []Charge
}

func (e *Engine) loadResidentScope(ctx context.Context, orgID, userID string) (residentScope, error) {
	s := residentScope{
		units:        make(map[string]bool),
		unitNumbers:  make(map[string]string),
		dueTypeNames: make(map[string]string),
		periods:      make(map[string]Period),
	}

	ids, err := e.Store.ResidentUnitIDs(ctx, orgID, userID)
	if err != nil {
		return s, err
	}
	if len(ids) == 0 {
		return s, nil
	}
	for _, id := range ids {
		s.units[id] = true
	}

	units, err := e.Store.Units(ctx, orgID)
	if err != nil {
		return s, err
	}
	for _, u := range units {
		s.unitNumbers[u.ID] = u.Number
	}
	dueTypes, err := e.Store.DueTypes(ctx, orgID, false)
	if err != nil {
		return s, err
	}
	for _, dt := range dueTypes {
		s.dueTypeNames[dt.ID] = dt.Name
	}
	periods, err := e.Store.Periods(ctx, orgID)
	if err != nil {
		return s, err
	}
	for _, p := range periods {
		s.periods[p.ID] = p
	}

	charges, err := e.Store.Charges(ctx, orgID, "")
	if err != nil {
		return s, err
	}
	for _, c := range charges {
		if c.Status != ChargeCancelled && s.units[c.UnitID] {
			s.charges = append(s.charges, c)
		}
	}
	return s, nil
}

// MyCharges returns the live charges on the caller's units, latest due
// date first.
func (e *Engine) MyCharges(ctx context.Context, orgID string) ([]ResidentCharge, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleResident)
	if err != nil {
		return nil, err
	}
	scope, err := e.loadResidentScope(ctx, orgID, userID)
	if err != nil || len(scope.charges) == 0 {
		return nil, err
	}
	settings, err := e.settings(ctx, e.Store, orgID)
	if err != nil {
		return nil, err
	}
	paid, err := e.Store.LivePaymentTotals(ctx, orgID, "")
	if err != nil {
		return nil, err
	}
	fees, err := e.Store.ActiveLateFeeTotals(ctx, orgID, "")
	if err != nil {
		return nil, err
	}

	today := e.today()
	out := make([]ResidentCharge, 0, len(scope.charges))
	for _, c := range scope.charges {
		period := scope.periods[c.PeriodID]
		v := ResidentCharge{
			ChargeView: ChargeView{
				Charge:      c,
				UnitNumber:  scope.unitNumbers[c.UnitID],
				DueTypeName: scope.dueTypeNames[c.DueTypeID],
				Paid:        paid[c.ID],
				LateFees:    fees[c.ID],
			},
			PeriodName:       period.Name,
			DueDate:          period.DueDate,
			EstimatedLateFee: decimal.Zero,
		}
		v.Remaining = decimal.Max(decimal.Zero, c.Amount.Sub(v.Paid))
		v.Overdue = isOpen(c.Status) && period.DueDate.AddDays(settings.LateFeeGraceDays).Before(today)
		if v.Overdue && settings.LateFeeRate.IsPositive() {
			days := generic.DaysBetween(period.DueDate, today) - settings.LateFeeGraceDays
			v.EstimatedLateFee = LateFeeAmount(v.Remaining, settings.LateFeeRate, days)
		}
		out = append(out, v)
	}

	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].DueDate.Equal(out[b].DueDate) {
			return out[a].DueDate.After(out[b].DueDate)
		}
		return out[a].UnitNumber < out[b].UnitNumber
	})
	return out, nil
}

// MyPayments returns one page of live payments on the caller's units,
// newest first. page starts at 1; pageSize defaults to DefaultPageSize and
// is capped at MaxPageSize.
func (e *Engine) MyPayments(ctx context.Context, orgID string, page, pageSize int) (PaymentHistory, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	history := PaymentHistory{Items: []ResidentPayment{}, Page: page, PageSize: pageSize}

	userID, err := e.authorize(ctx, orgID, auth.RoleResident)
	if err != nil {
		return PaymentHistory{}, err
	}
	scope, err := e.loadResidentScope(ctx, orgID, userID)
	if err != nil {
		return PaymentHistory{}, err
	}

	var all []ResidentPayment
	for _, c := range scope.charges {
		payments, err := e.Store.PaymentsByCharge(ctx, c.ID)
		if err != nil {
			return PaymentHistory{}, err
		}
		for _, p := range payments {
			if !p.Live() {
				continue
			}
			all = append(all, ResidentPayment{
				Payment:     p,
				PeriodName:  scope.periods[c.PeriodID].Name,
				DueTypeName: scope.dueTypeNames[c.DueTypeID],
				UnitNumber:  scope.unitNumbers[c.UnitID],
			})
		}
	}
	sort.SliceStable(all, func(a, b int) bool {
		if !all[a].PaidAt.Equal(all[b].PaidAt) {
			return all[a].PaidAt.After(all[b].PaidAt)
		}
		return all[a].ID < all[b].ID
	})

	history.TotalCount = len(all)
	start := (page - 1) * pageSize
	if start < len(all) {
		end := min(start+pageSize, len(all))
		history.Items = all[start:end]
	}
	return history, nil
}
