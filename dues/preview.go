package dues

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCRUAL PREVIEW
// =============================================================================
//
// The preview and the bulk accrual worker enumerate units the same way
// (includedUnits) and price them the same way (Resolve over dt.Prices()),
// so the totals shown before confirmation are the totals that get
// generated.

// AccrualRequest selects what an accrual run bills.
type AccrualRequest struct {
	OrgID             string
	PeriodID          string
	DueTypeIDs        []string
	IncludeEmptyUnits bool
}

// CategoryLine is one pricing group within a due type. Category is empty
// for units without a category.
type CategoryLine struct {
	Category  string          `json:"category,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	UnitCount int             `json:"unit_count"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type DueTypeBreakdown struct {
	DueTypeID            string          `json:"due_type_id"`
	DueTypeName          string          `json:"due_type_name"`
	CategoryLines        []CategoryLine  `json:"category_lines"`
	UnitsWithoutCategory int             `json:"units_without_category"`
	Subtotal             decimal.Decimal `json:"subtotal"`
}

type Preview struct {
	TotalUnits           int                `json:"total_units"`
	OccupiedUnits        int                `json:"occupied_units"`
	EmptyUnits           int                `json:"empty_units"`
	IncludedUnits        int                `json:"included_units"`
	DueTypes             []DueTypeBreakdown `json:"due_type_breakdowns"`
	UnitsWithoutCategory int                `json:"units_without_category"`
	TotalAmount          decimal.Decimal    `json:"total_amount"`
}

// includedUnits filters to occupied units unless includeEmpty is set.
// Input order is kept.
func includedUnits(units []Unit, includeEmpty bool) []Unit {
	if includeEmpty {
		return units
	}
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		if u.Occupied {
			out = append(out, u)
		}
	}
	return out
}

// BuildPreview computes the breakdown for dueTypes over units. Breakdowns
// follow the order of dueTypes; category lines are sorted by category
// with the uncategorized line last.
func BuildPreview(units []Unit, dueTypes []DueType, includeEmpty bool) Preview {
	p := Preview{
		TotalUnits:  len(units),
		DueTypes:    make([]DueTypeBreakdown, 0, len(dueTypes)),
		TotalAmount: decimal.Zero,
	}
	for _, u := range units {
		if u.Occupied {
			p.OccupiedUnits++
		}
	}
	p.EmptyUnits = p.TotalUnits - p.OccupiedUnits

	included := includedUnits(units, includeEmpty)
	p.IncludedUnits = len(included)
	for _, u := range included {
		if u.Category == "" {
			p.UnitsWithoutCategory++
		}
	}

	for _, dt := range dueTypes {
		b := breakdown(dt, included)
		p.DueTypes = append(p.DueTypes, b)
		p.TotalAmount = p.TotalAmount.Add(b.Subtotal)
	}
	return p
}

func breakdown(dt DueType, units []Unit) DueTypeBreakdown {
	prices := dt.Prices()
	lines := make(map[string]*CategoryLine)

	for _, u := range units {
		line, ok := lines[u.Category]
		if !ok {
			line = &CategoryLine{
				Category: u.Category,
				Amount:   Resolve(u.Category, dt.DefaultAmount, prices),
			}
			lines[u.Category] = line
		}
		line.UnitCount++
	}

	b := DueTypeBreakdown{
		DueTypeID:     dt.ID,
		DueTypeName:   dt.Name,
		CategoryLines: make([]CategoryLine, 0, len(lines)),
		Subtotal:      decimal.Zero,
	}
	for _, line := range lines {
		line.Subtotal = line.Amount.Mul(decimal.NewFromInt(int64(line.UnitCount)))
		b.Subtotal = b.Subtotal.Add(line.Subtotal)
		if line.Category == "" {
			b.UnitsWithoutCategory = line.UnitCount
		}
		b.CategoryLines = append(b.CategoryLines, *line)
	}
	sort.Slice(b.CategoryLines, func(i, j int) bool {
		a, c := b.CategoryLines[i].Category, b.CategoryLines[j].Category
		if a == "" || c == "" {
			return c == "" && a != ""
		}
		return a < c
	})
	return b
}
