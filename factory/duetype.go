/*
Package factory provides JSON to Go due type conversion.

PURPOSE:
  Converts JSON due type definitions into dues.DueTypeInput values, so an
  organization's catalog can be kept in files, pasted into the admin UI or
  loaded by the demo scenarios without code changes.

JSON SCHEMA:
  {
    "name": "Maintenance",
    "description": "Monthly building maintenance",
    "default_amount": 1000,
    "category_amounts": {
      "large": 1500,
      "small": "800.50"
    }
  }

  Amounts may be JSON numbers or numeric strings. category_amounts is
  optional; units whose category is not listed pay default_amount.

USAGE:
  f := factory.NewDueTypeFactory()

  in, err := f.ParseDueType(jsonString)
  dt, err := engine.CreateDueType(ctx, orgID, in)

  // From a preset
  in, err := f.ParseDueType(factory.MaintenanceJSON("1000", map[string]string{"large": "1500"}))

SEE ALSO:
  - dues/catalog.go: CreateDueType, DueTypeInput
  - dues/pricing.go: How category amounts resolve per unit
  - api/scenarios.go: Presets used for demo data
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DueTypeJSON is the JSON representation of a due type.
type DueTypeJSON struct {
	Name            string                     `json:"name"`
	Description     string                     `json:"description,omitempty"`
	DefaultAmount   *decimal.Decimal           `json:"default_amount"`
	CategoryAmounts map[string]decimal.Decimal `json:"category_amounts,omitempty"`
}

// =============================================================================
// DUE TYPE FACTORY
// =============================================================================

// DueTypeFactory converts JSON due types to catalog input.
type DueTypeFactory struct{}

func NewDueTypeFactory() *DueTypeFactory {
	return &DueTypeFactory{}
}

// ParseDueType parses one JSON due type definition.
func (f *DueTypeFactory) ParseDueType(jsonStr string) (dues.DueTypeInput, error) {
	var dj DueTypeJSON
	if err := json.Unmarshal([]byte(jsonStr), &dj); err != nil {
		return dues.DueTypeInput{}, fmt.Errorf("failed to parse due type JSON: %w", err)
	}
	return f.FromJSON(dj)
}

// ParseCatalog parses a JSON array of due type definitions.
func (f *DueTypeFactory) ParseCatalog(jsonStr string) ([]dues.DueTypeInput, error) {
	var list []DueTypeJSON
	if err := json.Unmarshal([]byte(jsonStr), &list); err != nil {
		return nil, fmt.Errorf("failed to parse due type catalog JSON: %w", err)
	}
	inputs := make([]dues.DueTypeInput, 0, len(list))
	for i, dj := range list {
		in, err := f.FromJSON(dj)
		if err != nil {
			return nil, fmt.Errorf("due type %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// FromJSON validates dj and converts it. Category amounts are re-encoded
// with keys sorted so equal definitions produce equal input.
func (f *DueTypeFactory) FromJSON(dj DueTypeJSON) (dues.DueTypeInput, error) {
	name := strings.TrimSpace(dj.Name)
	if name == "" {
		return dues.DueTypeInput{}, fmt.Errorf("name is required")
	}
	if dj.DefaultAmount == nil {
		return dues.DueTypeInput{}, fmt.Errorf("%s: default_amount is required", name)
	}
	if dj.DefaultAmount.IsNegative() {
		return dues.DueTypeInput{}, fmt.Errorf("%s: default_amount must not be negative", name)
	}

	in := dues.DueTypeInput{
		Name:          name,
		Description:   strings.TrimSpace(dj.Description),
		DefaultAmount: *dj.DefaultAmount,
	}
	if len(dj.CategoryAmounts) > 0 {
		raw, err := encodeCategoryAmounts(dj.CategoryAmounts)
		if err != nil {
			return dues.DueTypeInput{}, fmt.Errorf("%s: %w", name, err)
		}
		in.CategoryAmounts = raw
	}
	return in, nil
}

// ToJSON converts a stored due type back to its JSON definition. Malformed
// stored category amounts are dropped, as they are at accrual time.
func (f *DueTypeFactory) ToJSON(dt dues.DueType) DueTypeJSON {
	amount := dt.DefaultAmount
	dj := DueTypeJSON{
		Name:          dt.Name,
		Description:   dt.Description,
		DefaultAmount: &amount,
	}
	if prices := dt.Prices(); len(prices) > 0 {
		dj.CategoryAmounts = prices
	}
	return dj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func encodeCategoryAmounts(amounts map[string]decimal.Decimal) (string, error) {
	categories := make([]string, 0, len(amounts))
	for category, amount := range amounts {
		if strings.TrimSpace(category) == "" {
			return "", fmt.Errorf("category names must not be blank")
		}
		if amount.IsNegative() {
			return "", fmt.Errorf("category %q: amount must not be negative", category)
		}
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var b strings.Builder
	b.WriteByte('{')
	for i, category := range categories {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(category)
		if err != nil {
			return "", err
		}
		b.Write(key)
		b.WriteByte(':')
		b.WriteString(amounts[category].String())
	}
	b.WriteByte('}')
	return b.String(), nil
}

// =============================================================================
// PRESETS
// =============================================================================

// MaintenanceJSON is the monthly maintenance fee, optionally priced per
// unit category.
func MaintenanceJSON(defaultAmount string, categories map[string]string) string {
	return presetJSON("Maintenance", "Monthly building maintenance", defaultAmount, categories)
}

// ParkingJSON is a flat parking fee.
func ParkingJSON(amount string) string {
	return presetJSON("Parking", "Assigned parking space", amount, nil)
}

// ReserveFundJSON is the capital reserve contribution, usually scaled by
// unit size.
func ReserveFundJSON(defaultAmount string, categories map[string]string) string {
	return presetJSON("Reserve Fund", "Contribution to the capital reserve", defaultAmount, categories)
}

func presetJSON(name, description, defaultAmount string, categories map[string]string) string {
	preset := map[string]any{
		"name":           name,
		"description":    description,
		"default_amount": defaultAmount,
	}
	if len(categories) > 0 {
		preset["category_amounts"] = categories
	}
	b, _ := json.Marshal(preset)
	return string(b)
}
