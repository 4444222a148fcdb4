package dues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
)

// =============================================================================
// PREVIEW AND TRIGGER
// =============================================================================

// TriggerResult is the preview plus, once confirmed, the queued job id.
type TriggerResult struct {
	Preview Preview `json:"preview"`
	JobID   string  `json:"job_id,omitempty"`
}

// PreviewAccrual computes what an accrual run would generate. Read-only.
func (e *Engine) PreviewAccrual(ctx context.Context, req AccrualRequest) (Preview, error) {
	if _, err := e.authorize(ctx, req.OrgID, auth.RoleAdmin); err != nil {
		return Preview{}, err
	}
	_, preview, err := e.preview(ctx, e.Store, req)
	return preview, err
}

// TriggerAccrual returns the preview when confirmed is false. When confirmed
// it moves the period to processing and queues a bulk_accrual job in one
// transaction. A concurrent trigger that loses the guarded update gets
// Conflict.
func (e *Engine) TriggerAccrual(ctx context.Context, req AccrualRequest, confirmed bool) (TriggerResult, error) {
	userID, err := e.authorize(ctx, req.OrgID, auth.RoleAdmin)
	if err != nil {
		return TriggerResult{}, err
	}

	period, preview, err := e.preview(ctx, e.Store, req)
	if err != nil {
		return TriggerResult{}, err
	}
	switch period.Status {
	case PeriodDraft, PeriodFailed:
	case PeriodProcessing:
		return TriggerResult{}, generic.Conflict("accrual is already processing for this period")
	default:
		return TriggerResult{}, generic.Unprocessable("accrual can only be triggered for draft or failed periods (status %s)", period.Status)
	}
	live, err := e.Store.CountLiveCharges(ctx, period.ID)
	if err != nil {
		return TriggerResult{}, err
	}
	if live > 0 {
		return TriggerResult{}, generic.Unprocessable("period already has %d live charges", live)
	}

	result := TriggerResult{Preview: preview}
	if !confirmed {
		return result, nil
	}

	err = e.Store.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.TransitionPeriod(ctx, period.ID, sourcesOf(PeriodProcessing), PeriodProcessing, e.now())
		if err != nil {
			return fmt.Errorf("failed to move period to processing: %w", err)
		}
		if !ok {
			return generic.Conflict("period was claimed by another request; refresh and retry")
		}

		job, err := e.enqueue(ctx, tx, jobs.BulkAccrual{
			PeriodID:          period.ID,
			OrgID:             req.OrgID,
			DueTypeIDs:        dedupe(req.DueTypeIDs),
			IncludeEmptyUnits: req.IncludeEmptyUnits,
			CreatedBy:         userID,
		})
		if err != nil {
			return err
		}
		result.JobID = job.ID
		return nil
	})
	if err != nil {
		return TriggerResult{}, err
	}

	e.Log.Info("accrual queued",
		zap.String("org_id", req.OrgID),
		zap.String("period_id", period.ID),
		zap.String("job_id", result.JobID),
		zap.String("total", preview.TotalAmount.StringFixed(2)),
	)
	return result, nil
}

// preview validates the request and builds the breakdown.
func (e *Engine) preview(ctx context.Context, tx Tx, req AccrualRequest) (Period, Preview, error) {
	ids := dedupe(req.DueTypeIDs)
	if len(ids) == 0 {
		return Period{}, Preview{}, generic.Unprocessable("at least one due type must be selected")
	}

	period, err := loadPeriod(ctx, tx, req.OrgID, req.PeriodID)
	if err != nil {
		return Period{}, Preview{}, err
	}

	dueTypes := make([]DueType, 0, len(ids))
	for _, id := range ids {
		dt, err := tx.DueType(ctx, id)
		if err != nil {
			if generic.IsNotFound(err) {
				return Period{}, Preview{}, generic.NotFound("due type %s not found", id)
			}
			return Period{}, Preview{}, err
		}
		if dt.OrgID != req.OrgID {
			return Period{}, Preview{}, generic.NotFound("due type %s not found", id)
		}
		if !dt.IsActive {
			return Period{}, Preview{}, generic.Unprocessable("due type %q is inactive", dt.Name)
		}
		dueTypes = append(dueTypes, dt)
	}

	units, err := tx.Units(ctx, req.OrgID)
	if err != nil {
		return Period{}, Preview{}, fmt.Errorf("failed to load units: %w", err)
	}
	return period, BuildPreview(units, dueTypes, req.IncludeEmptyUnits), nil
}

// dedupe drops empty and repeated ids, keeping first occurrence order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// =============================================================================
// BULK ACCRUAL WORKER
// =============================================================================
//
// Failure policy:
//   payload undecodable -> period processing->failed when period_id can be
//                          read at all, job failed
//   generation fails   -> rollback, then period processing->failed, job failed
//   completion fails   -> charges are committed; job stays running and is
//                         safe to re-run (duplicate inserts are skipped)

// RegisterAccrual wires the bulk_accrual handlers into w.
func (e *Engine) RegisterAccrual(w *jobs.Worker) *jobs.Worker {
	return w.Handle(jobs.TypeBulkAccrual, e.HandleBulkAccrual).
		HandleDecodeFailure(jobs.TypeBulkAccrual, e.FailUndecodableAccrual)
}

// FailUndecodableAccrual moves the period of a bulk_accrual job whose
// payload cannot be decoded from processing to failed, so the admin can
// trigger again. period_id is read on its own; the rest of the payload may
// be arbitrarily broken.
func (e *Engine) FailUndecodableAccrual(ctx context.Context, job jobs.Job, cause error) {
	log := e.Log.With(zap.String("job_id", job.ID), zap.NamedError("cause", cause))

	var fields map[string]json.RawMessage
	var periodID string
	if err := json.Unmarshal(job.Payload, &fields); err != nil || json.Unmarshal(fields["period_id"], &periodID) != nil || periodID == "" {
		log.Error("undecodable accrual job names no period")
		return
	}

	ok, err := e.Store.TransitionPeriod(ctx, periodID, []PeriodStatus{PeriodProcessing}, PeriodFailed, e.now())
	switch {
	case err != nil:
		log.Error("failed to mark period failed", zap.String("period_id", periodID), zap.Error(err))
	case !ok:
		log.Warn("period of undecodable accrual job was not processing", zap.String("period_id", periodID))
	default:
		log.Info("period failed after undecodable accrual job", zap.String("period_id", periodID))
	}
}

// HandleBulkAccrual is the jobs.Handler for bulk_accrual jobs.
func (e *Engine) HandleBulkAccrual(ctx context.Context, job jobs.Job, payload jobs.Payload) error {
	p, ok := payload.(jobs.BulkAccrual)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, job.Type)
	}
	log := e.Log.With(zap.String("job_id", job.ID), zap.String("period_id", p.PeriodID))

	inserted, err := e.generateCharges(ctx, p)
	if err != nil {
		log.Error("charge generation failed, marking period failed", zap.Error(err))
		if _, ferr := e.Store.TransitionPeriod(ctx, p.PeriodID, []PeriodStatus{PeriodProcessing}, PeriodFailed, e.now()); ferr != nil {
			log.Error("failed to mark period failed", zap.Error(ferr))
		}
		return err
	}

	err = e.Store.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.TransitionPeriod(ctx, p.PeriodID, []PeriodStatus{PeriodProcessing}, PeriodActive, e.now())
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("period is no longer processing")
		}
		done, err := tx.Complete(ctx, job.ID, e.now())
		if err != nil {
			return err
		}
		if !done {
			return errors.New("job is no longer running")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: charges committed but completion failed: %v", jobs.ErrKeepRunning, err)
	}

	log.Info("accrual completed", zap.Int("charges", inserted))
	return nil
}

// generateCharges inserts one pending charge per (included unit, due type)
// in a single transaction.
func (e *Engine) generateCharges(ctx context.Context, p jobs.BulkAccrual) (int, error) {
	var inserted int
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		period, err := tx.Period(ctx, p.PeriodID)
		if err != nil {
			return err
		}
		if period.OrgID != p.OrgID {
			return fmt.Errorf("period %s does not belong to organization %s", p.PeriodID, p.OrgID)
		}
		if period.Status != PeriodProcessing {
			return fmt.Errorf("period is %s, expected processing", period.Status)
		}

		dueTypes, err := e.billableDueTypes(ctx, tx, p)
		if err != nil {
			return err
		}
		units, err := tx.Units(ctx, p.OrgID)
		if err != nil {
			return fmt.Errorf("failed to load units: %w", err)
		}

		now := e.now()
		included := includedUnits(units, p.IncludeEmptyUnits)
		charges := make([]Charge, 0, len(included)*len(dueTypes))
		for _, dt := range dueTypes {
			prices := dt.Prices()
			for _, u := range included {
				charges = append(charges, Charge{
					ID:        generic.NewID(),
					OrgID:     p.OrgID,
					PeriodID:  p.PeriodID,
					UnitID:    u.ID,
					DueTypeID: dt.ID,
					Amount:    Resolve(u.Category, dt.DefaultAmount, prices),
					Status:    ChargePending,
					CreatedBy: p.CreatedBy,
					CreatedAt: now,
					UpdatedAt: now,
				})
			}
		}

		inserted, err = tx.InsertChargesIgnoringDuplicates(ctx, charges)
		if err != nil {
			return fmt.Errorf("failed to insert charges: %w", err)
		}
		return nil
	})
	return inserted, err
}

// billableDueTypes loads the payload's due types. Types deactivated or moved
// since the trigger are skipped.
func (e *Engine) billableDueTypes(ctx context.Context, tx Tx, p jobs.BulkAccrual) ([]DueType, error) {
	var out []DueType
	for _, id := range dedupe(p.DueTypeIDs) {
		dt, err := tx.DueType(ctx, id)
		if generic.IsNotFound(err) {
			e.Log.Warn("skipping missing due type", zap.String("due_type_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		if dt.OrgID != p.OrgID || !dt.IsActive {
			e.Log.Warn("skipping unbillable due type", zap.String("due_type_id", id))
			continue
		}
		out = append(out, dt)
	}
	return out, nil
}
