package dues

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRICING RESOLVER
// =============================================================================

// CategoryPrices maps a unit category to its per-unit amount.
type CategoryPrices map[string]decimal.Decimal

// ParseCategoryPrices reads a {"category": amount} JSON object. Amounts may
// be JSON numbers or numeric strings. Anything malformed yields an empty
// table: pricing falls back to the default instead of failing an accrual.
func ParseCategoryPrices(raw string) CategoryPrices {
	if strings.TrimSpace(raw) == "" {
		return CategoryPrices{}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return CategoryPrices{}
	}

	prices := make(CategoryPrices, len(fields))
	for category, v := range fields {
		var d decimal.Decimal
		if string(v) == "null" {
			return CategoryPrices{}
		}
		if err := d.UnmarshalJSON(v); err != nil {
			return CategoryPrices{}
		}
		prices[category] = d
	}
	return prices
}

// Prices returns the due type's category table.
func (dt DueType) Prices() CategoryPrices {
	return ParseCategoryPrices(dt.CategoryAmounts)
}

// Resolve returns the category amount when the unit has a category listed
// in prices, and defaultAmount otherwise.
func Resolve(unitCategory string, defaultAmount decimal.Decimal, prices CategoryPrices) decimal.Decimal {
	if unitCategory == "" {
		return defaultAmount
	}
	if amount, ok := prices[unitCategory]; ok {
		return amount
	}
	return defaultAmount
}

// ValidateCategoryPrices is the strict counterpart of ParseCategoryPrices,
// used when a catalog entry is written.
func ValidateCategoryPrices(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return fmt.Errorf("category amounts must be a JSON object: %w", err)
	}
	prices := ParseCategoryPrices(raw)
	if len(prices) != len(fields) {
		return errors.New("category amounts must all be numbers")
	}
	for category, amount := range prices {
		if strings.TrimSpace(category) == "" {
			return errors.New("category names must not be blank")
		}
		if amount.IsNegative() {
			return fmt.Errorf("amount for category %q is negative", category)
		}
	}
	return nil
}
