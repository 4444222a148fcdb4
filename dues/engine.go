package dues

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the command/query surface of the dues subsystem. Every method
// takes the caller from ctx (auth.WithCaller) and checks the caller's role
// before touching anything else.
type Engine struct {
	Store Store
	Auth  auth.Authorizer
	Log   *zap.Logger
	// Now is the clock; "today" is its UTC calendar day.
	Now func() time.Time
}

func NewEngine(store Store, authz auth.Authorizer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Store: store,
		Auth:  authz,
		Log:   log.Named("dues"),
		Now:   time.Now,
	}
}

func (e *Engine) now() time.Time {
	return e.Now().UTC()
}

func (e *Engine) today() generic.Date {
	return generic.DateOf(e.Now())
}

// authorize checks the role and returns the caller's user id.
func (e *Engine) authorize(ctx context.Context, orgID string, minimum auth.Role) (string, error) {
	if err := e.Auth.RequireRole(ctx, orgID, minimum); err != nil {
		return "", err
	}
	caller, err := auth.CallerFrom(ctx)
	if err != nil {
		return "", err
	}
	return caller.UserID, nil
}

// =============================================================================
// TENANT-SCOPED LOADERS - Another organization's rows are NotFound
// =============================================================================

func loadPeriod(ctx context.Context, tx Tx, orgID, id string) (Period, error) {
	p, err := tx.Period(ctx, id)
	if err != nil {
		return Period{}, err
	}
	if p.OrgID != orgID {
		return Period{}, generic.NotFound("period not found")
	}
	return p, nil
}

func loadCharge(ctx context.Context, tx Tx, orgID, id string) (Charge, error) {
	c, err := tx.Charge(ctx, id)
	if err != nil {
		return Charge{}, err
	}
	if c.OrgID != orgID {
		return Charge{}, generic.NotFound("charge not found")
	}
	return c, nil
}

func loadPayment(ctx context.Context, tx Tx, orgID, id string) (Payment, error) {
	p, err := tx.Payment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if p.OrgID != orgID {
		return Payment{}, generic.NotFound("payment not found")
	}
	return p, nil
}

func loadLateFee(ctx context.Context, tx Tx, orgID, id string) (LateFee, error) {
	f, err := tx.LateFee(ctx, id)
	if err != nil {
		return LateFee{}, err
	}
	if f.OrgID != orgID {
		return LateFee{}, generic.NotFound("late fee not found")
	}
	return f, nil
}

// =============================================================================
// SIDE EFFECTS - Written inside the caller's transaction
// =============================================================================

func (e *Engine) audit(ctx context.Context, tx Tx, table, recordID, actor string, action generic.AuditAction, values map[string]any) error {
	err := tx.AppendAudit(ctx, generic.AuditEntry{
		Table:    table,
		RecordID: recordID,
		ActorID:  actor,
		Action:   action,
		NewValue: values,
	}, e.now())
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, tx Tx, p jobs.Payload) (jobs.Job, error) {
	job, err := jobs.New(p, e.now())
	if err != nil {
		return jobs.Job{}, err
	}
	if err := tx.Enqueue(ctx, job); err != nil {
		return jobs.Job{}, fmt.Errorf("failed to enqueue %s job: %w", job.Type, err)
	}
	return job, nil
}
