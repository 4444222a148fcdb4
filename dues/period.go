package dues

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// PERIOD STATE MACHINE
// =============================================================================
//
//   draft ──trigger──> processing ──worker ok──> active ──close──> closed
//                        │    ^
//              worker err│    │trigger (retry)
//                        v    │
//                        failed
//
// Every transition is one guarded UPDATE (WHERE status IN from); a guard
// that matches no row means someone else moved the period first.

var transitions = map[PeriodStatus][]PeriodStatus{
	PeriodDraft:      {PeriodProcessing},
	PeriodProcessing: {PeriodActive, PeriodFailed},
	PeriodFailed:     {PeriodProcessing},
	PeriodActive:     {PeriodClosed},
	PeriodClosed:     nil,
}

// CanTransition reports whether from -> to is a legal period transition.
func CanTransition(from, to PeriodStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status that may move to `to`.
func sourcesOf(to PeriodStatus) []PeriodStatus {
	var out []PeriodStatus
	for _, from := range []PeriodStatus{PeriodDraft, PeriodProcessing, PeriodActive, PeriodFailed, PeriodClosed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// acceptsCharges reports whether charges may be created or cancelled.
func (p Period) acceptsCharges() bool {
	return p.Status != PeriodClosed && p.Status != PeriodProcessing
}

// =============================================================================
// COMMANDS
// =============================================================================

// NewPeriod is the input of CreatePeriod.
type NewPeriod struct {
	Name      string
	StartDate generic.Date
	DueDate   generic.Date
}

// CreatePeriod creates a period in draft.
func (e *Engine) CreatePeriod(ctx context.Context, orgID string, in NewPeriod) (Period, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return Period{}, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Period{}, generic.Unprocessable("period name is required")
	}
	if in.StartDate.IsZero() || in.DueDate.IsZero() {
		return Period{}, generic.Unprocessable("start and due dates are required")
	}
	if in.DueDate.Before(in.StartDate) {
		return Period{}, generic.Unprocessable("due date %s is before start date %s", in.DueDate, in.StartDate)
	}

	p := Period{
		ID:        generic.NewID(),
		OrgID:     orgID,
		Name:      name,
		StartDate: in.StartDate,
		DueDate:   in.DueDate,
		Status:    PeriodDraft,
		CreatedBy: userID,
		CreatedAt: e.now(),
	}
	if err := e.Store.InsertPeriod(ctx, p); err != nil {
		return Period{}, fmt.Errorf("failed to create period: %w", err)
	}
	return p, nil
}

// GetPeriod returns one period. Board members and above may read.
func (e *Engine) GetPeriod(ctx context.Context, orgID, periodID string) (Period, error) {
	if _, err := e.authorize(ctx, orgID, auth.RoleBoardMember); err != nil {
		return Period{}, err
	}
	return loadPeriod(ctx, e.Store, orgID, periodID)
}

// ClosePeriod moves an active period to closed and stamps closed_at.
func (e *Engine) ClosePeriod(ctx context.Context, orgID, periodID string) (Period, error) {
	userID, err := e.authorize(ctx, orgID, auth.RoleAdmin)
	if err != nil {
		return Period{}, err
	}

	var closed Period
	err = e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := loadPeriod(ctx, tx, orgID, periodID)
		if err != nil {
			return err
		}
		switch p.Status {
		case PeriodClosed:
			return generic.Unprocessable("period is already closed")
		case PeriodActive:
		default:
			return generic.Unprocessable("only active periods can be closed (status %s)", p.Status)
		}

		ok, err := tx.TransitionPeriod(ctx, p.ID, sourcesOf(PeriodClosed), PeriodClosed, e.now())
		if err != nil {
			return fmt.Errorf("failed to close period: %w", err)
		}
		if !ok {
			return generic.Conflict("period changed status concurrently")
		}

		closed, err = tx.Period(ctx, p.ID)
		if err != nil {
			return err
		}
		return e.audit(ctx, tx, "dues_periods", p.ID, userID, generic.AuditUpdate, map[string]any{"status": PeriodClosed})
	})
	if err != nil {
		return Period{}, err
	}

	e.Log.Info("period closed", zap.String("org_id", orgID), zap.String("period_id", periodID))
	return closed, nil
}

// DeletePeriod removes a draft period that has no live charges.
func (e *Engine) DeletePeriod(ctx context.Context, orgID, periodID string) error {
	if _, err := e.authorize(ctx, orgID, auth.RoleAdmin); err != nil {
		return err
	}

	return e.Store.WithTx(ctx, func(tx Tx) error {
		p, err := loadPeriod(ctx, tx, orgID, periodID)
		if err != nil {
			return err
		}
		if p.Status != PeriodDraft {
			return generic.Unprocessable("only draft periods can be deleted (status %s)", p.Status)
		}
		live, err := tx.CountLiveCharges(ctx, p.ID)
		if err != nil {
			return err
		}
		if live > 0 {
			return generic.Unprocessable("period has %d charges; cancel them first", live)
		}

		ok, err := tx.DeleteDraftPeriod(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to delete period: %w", err)
		}
		if !ok {
			return generic.Conflict("period changed concurrently")
		}
		return nil
	})
}
