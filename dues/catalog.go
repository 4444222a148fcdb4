package dues

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// DUE TYPE CATALOG
// =============================================================================

// NormalizeName folds case and whitespace so "Monthly  Fee" and
// "monthly fee" collide.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// DueTypeInput is the writable part of a due type.
type DueTypeInput struct {
	Name            string
	Description     string
	DefaultAmount   decimal.Decimal
	CategoryAmounts string
}

func (in DueTypeInput) validate() error {
	if NormalizeName(in.Name) == "" {
		return generic.Unprocessable("due type name is required")
	}
	if in.DefaultAmount.IsNegative() {
		return generic.Unprocessable("default amount must not be negative")
	}
	if err := ValidateCategoryPrices(in.CategoryAmounts); err != nil {
		return generic.Unprocessable("%v", err)
	}
	return nil
}

// CreateDueType adds an active catalog entry. Names are unique per
// organization ignoring case and whitespace.
func (e *Engine) CreateDueType(ctx context.Context, orgID string, in DueTypeInput) (DueType, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleAdmin); err != nil {
		return DueType{}, err
	}
	if err := in.validate(); err != nil {
		return DueType{}, err
	}

	dt := DueType{
		ID:              generic.NewID(),
		OrgID:           orgID,
		Name:            strings.TrimSpace(in.Name),
		Description:     in.Description,
		DefaultAmount:   in.DefaultAmount,
		CategoryAmounts: strings.TrimSpace(in.CategoryAmounts),
		IsActive:        true,
		CreatedAt:       e.now(),
	}
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		taken, err := tx.DueTypeNameTaken(ctx, orgID, NormalizeName(in.Name), "")
		if err != nil {
			return err
		}
		if taken {
			return generic.Conflict("a due type named %q already exists", dt.Name)
		}
		return tx.InsertDueType(ctx, dt)
	})
	if err != nil {
		return DueType{}, err
	}
	return dt, nil
}

// UpdateDueType rewrites name, description and pricing. Existing charges
// keep the amount they were created with.
func (e *Engine) UpdateDueType(ctx context.Context, orgID, dueTypeID string, in DueTypeInput) (DueType, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleAdmin); err != nil {
		return DueType{}, err
	}
	if err := in.validate(); err != nil {
		return DueType{}, err
	}

	var dt DueType
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		if dt, err = loadDueType(ctx, tx, orgID, dueTypeID); err != nil {
			return err
		}
		taken, err := tx.DueTypeNameTaken(ctx, orgID, NormalizeName(in.Name), dt.ID)
		if err != nil {
			return err
		}
		if taken {
			return generic.Conflict("a due type named %q already exists", strings.TrimSpace(in.Name))
		}

		dt.Name = strings.TrimSpace(in.Name)
		dt.Description = in.Description
		dt.DefaultAmount = in.DefaultAmount
		dt.CategoryAmounts = strings.TrimSpace(in.CategoryAmounts)
		return tx.UpdateDueType(ctx, dt)
	})
	if err != nil {
		return DueType{}, err
	}
	return dt, nil
}

// DeactivateDueType hides a due type from future accruals.
func (e *Engine) DeactivateDueType(ctx context.Context, orgID, dueTypeID string) error {
	if _, err := e.authorize(ctx, orgID, auth.RoleAdmin); err != nil {
		return err
	}

	return e.Store.WithTx(ctx, func(tx Tx) error {
		dt, err := loadDueType(ctx, tx, orgID, dueTypeID)
		if err != nil {
			return err
		}
		if !dt.IsActive {
			return generic.Unprocessable("due type is already inactive")
		}
		dt.IsActive = false
		return tx.UpdateDueType(ctx, dt)
	})
}

// ListDueTypes returns the catalog, optionally only active entries.
func (e *Engine) ListDueTypes(ctx context.Context, orgID string, activeOnly bool) ([]DueType, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return nil, err
	}
	return e.Store.DueTypes(ctx, orgID, activeOnly)
}

func loadDueType(ctx context.Context, tx Tx, orgID, id string) (DueType, error) {
	dt, err := tx.DueType(ctx, id)
	if err != nil {
		return DueType{}, err
	}
	if dt.OrgID != orgID {
		return DueType{}, generic.NotFound("due type not found")
	}
	return dt, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (e *Engine) settings(ctx context.Context, tx Tx, orgID string) (Settings, error) {
	s, err := tx.Settings(ctx, orgID)
	if generic.IsNotFound(err) {
		return DefaultSettings(orgID), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}

// GetSettings returns the organization's settings or the defaults.
func (e *Engine) GetSettings(ctx context.Context, orgID string) (Settings, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return Settings{}, err
	}
	return e.settings(ctx, e.Store, orgID)
}

// UpdateSettings upserts the organization's settings.
func (e *Engine) UpdateSettings(ctx context.Context, orgID string, s Settings) (Settings, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return Settings{}, err
	}
	if s.LateFeeRate.IsNegative() || s.LateFeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return Settings{}, generic.Unprocessable("late fee rate must be between 0 and 1")
	}
	if s.LateFeeGraceDays < 0 || s.ReminderDaysBefore < 0 {
		return Settings{}, generic.Unprocessable("day counts must not be negative")
	}

	s.OrgID = orgID
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		if err := tx.SaveSettings(ctx, s); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		return e.audit(ctx, tx, "organization_due_settings", orgID, userID, generic.AuditUpdate, map[string]any{
			"late_fee_rate":        s.LateFeeRate.String(),
			"late_fee_grace_days":  s.LateFeeGraceDays,
			"reminder_days_before": s.ReminderDaysBefore,
		})
	})
	if err != nil {
		return Settings{}, err
	}
	return s, nil
}
