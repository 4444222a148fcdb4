/*
engine_test.go - Engine tests against an in-memory SQLite store

Shared harness plus authorization, tenancy and period lifecycle tests. The
harness organization has four units priced by the "Maintenance" due type
(default 1000, large 1500, small 800):

	A-101  large   occupied (u-res)
	A-102  small   occupied (u-board)
	A-103  large   empty
	A-104  -       occupied (u-admin)
*/
package dues_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
	"github.com/warp/dues-engine/store/sqlstore"
)

const orgID = "org-1"

type harness struct {
	t        *testing.T
	store    *sqlstore.Store
	engine   *dues.Engine
	now      time.Time
	admin    context.Context
	board    context.Context
	resident context.Context
	outsider context.Context
	units    map[string]string
	dueType  dues.DueType
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{
		t:     t,
		store: s,
		now:   time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
		units: make(map[string]string),
	}
	h.engine = dues.NewEngine(s, auth.NewDirectory(s), zap.NewNop())
	h.engine.Now = func() time.Time { return h.now }

	for _, m := range []auth.Membership{
		{OrgID: orgID, UserID: "u-admin", Role: auth.RoleAdmin, Email: "admin@example.com"},
		{OrgID: orgID, UserID: "u-board", Role: auth.RoleBoardMember, Email: "board@example.com"},
		{OrgID: orgID, UserID: "u-res", Role: auth.RoleResident, Email: "res@example.com"},
		{OrgID: "org-2", UserID: "u-other", Role: auth.RoleAdmin},
	} {
		require.NoError(t, s.SaveMember(ctx, m))
	}
	h.admin = auth.WithCaller(ctx, auth.Caller{UserID: "u-admin"})
	h.board = auth.WithCaller(ctx, auth.Caller{UserID: "u-board"})
	h.resident = auth.WithCaller(ctx, auth.Caller{UserID: "u-res"})
	h.outsider = auth.WithCaller(ctx, auth.Caller{UserID: "u-other"})

	for _, u := range []struct{ number, category, resident string }{
		{"A-101", "large", "u-res"},
		{"A-102", "small", "u-board"},
		{"A-103", "large", ""},
		{"A-104", "", "u-admin"},
	} {
		id := generic.NewID()
		require.NoError(t, s.InsertUnit(ctx, sqlstore.UnitRecord{ID: id, OrgID: orgID, Number: u.number, Category: u.category}))
		if u.resident != "" {
			require.NoError(t, s.AddResident(ctx, id, u.resident))
		}
		h.units[u.number] = id
	}

	h.dueType, err = h.engine.CreateDueType(h.admin, orgID, dues.DueTypeInput{
		Name:            "Maintenance",
		DefaultAmount:   dec("1000"),
		CategoryAmounts: `{"large": 1500, "small": "800"}`,
	})
	require.NoError(t, err)
	return h
}

// january creates a draft period due 2025-01-31, 40 days before "now".
func (h *harness) january() dues.Period {
	h.t.Helper()
	p, err := h.engine.CreatePeriod(h.admin, orgID, dues.NewPeriod{
		Name:      "January 2025",
		StartDate: generic.NewDate(2025, 1, 1),
		DueDate:   generic.NewDate(2025, 1, 31),
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) request(periodID string) dues.AccrualRequest {
	return dues.AccrualRequest{OrgID: orgID, PeriodID: periodID, DueTypeIDs: []string{h.dueType.ID}}
}

func (h *harness) accrualWorker(e *dues.Engine) *jobs.Worker {
	w := e.RegisterAccrual(jobs.NewWorker("accrual", h.store, time.Second, 5, zap.NewNop()))
	w.Now = func() time.Time { return h.now }
	return w
}

// activeJanuary runs a full accrual over occupied units and returns the
// period and its charges keyed by unit number.
func (h *harness) activeJanuary() (dues.Period, map[string]dues.ChargeView) {
	h.t.Helper()
	return h.activate(h.january())
}

func (h *harness) activate(p dues.Period) (dues.Period, map[string]dues.ChargeView) {
	h.t.Helper()
	_, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(h.t, err)
	require.NoError(h.t, h.accrualWorker(h.engine).RunOnce(context.Background()))
	return h.period(p.ID), h.charges(p.ID)
}

func (h *harness) period(id string) dues.Period {
	h.t.Helper()
	p, err := h.engine.GetPeriod(h.admin, orgID, id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) charges(periodID string) map[string]dues.ChargeView {
	h.t.Helper()
	views, err := h.engine.ListCharges(h.admin, orgID, periodID)
	require.NoError(h.t, err)
	out := make(map[string]dues.ChargeView, len(views))
	for _, v := range views {
		if v.Status != dues.ChargeCancelled {
			out[v.UnitNumber] = v
		}
	}
	return out
}

func (h *harness) charge(id string) dues.Charge {
	h.t.Helper()
	c, err := h.store.Charge(context.Background(), id)
	require.NoError(h.t, err)
	return c
}

// =============================================================================
// AUTHORIZATION AND TENANCY
// =============================================================================

func TestAuthorization_RoleChecksRunFirst(t *testing.T) {
	h := newHarness(t)
	p := h.january()

	_, err := h.engine.TriggerAccrual(h.board, h.request(p.ID), true)
	assert.ErrorIs(t, err, generic.ErrForbidden, "board members cannot trigger accruals")

	_, err = h.engine.ListPeriods(h.resident, orgID)
	assert.ErrorIs(t, err, generic.ErrForbidden, "residents cannot read dues")

	_, err = h.engine.ListPeriods(context.Background(), orgID)
	assert.ErrorIs(t, err, generic.ErrUnauthorized, "no caller")

	_, err = h.engine.ListPeriods(h.outsider, orgID)
	assert.ErrorIs(t, err, generic.ErrForbidden, "not a member")

	_, err = h.engine.GetPeriod(h.board, orgID, p.ID)
	assert.NoError(t, err)
}

func TestAuthorization_SuspendedMemberIsForbidden(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveMember(context.Background(), auth.Membership{
		OrgID: orgID, UserID: "u-admin", Role: auth.RoleAdmin, Status: auth.MemberSuspended,
	}))

	_, err := h.engine.ListPeriods(h.admin, orgID)
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

func TestTenancy_ForeignRowsAreNotFound(t *testing.T) {
	// GIVEN: A period of org-1 and an admin of org-2
	h := newHarness(t)
	p := h.january()

	// WHEN: The org-2 admin addresses it through their own organization
	_, err := h.engine.GetPeriod(h.outsider, "org-2", p.ID)

	// THEN: It does not exist for them
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = h.engine.ClosePeriod(h.outsider, "org-2", p.ID)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// PERIOD LIFECYCLE
// =============================================================================

func TestCreatePeriod_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.CreatePeriod(h.admin, orgID, dues.NewPeriod{
		Name: "  ", StartDate: generic.NewDate(2025, 1, 1), DueDate: generic.NewDate(2025, 1, 31),
	})
	assert.ErrorIs(t, err, generic.ErrUnprocessable)

	_, err = h.engine.CreatePeriod(h.admin, orgID, dues.NewPeriod{
		Name: "Backwards", StartDate: generic.NewDate(2025, 2, 1), DueDate: generic.NewDate(2025, 1, 31),
	})
	assert.ErrorIs(t, err, generic.ErrUnprocessable)

	p := h.january()
	assert.Equal(t, dues.PeriodDraft, p.Status)
	assert.Equal(t, "u-admin", p.CreatedBy)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, dues.CanTransition(dues.PeriodDraft, dues.PeriodProcessing))
	assert.True(t, dues.CanTransition(dues.PeriodFailed, dues.PeriodProcessing))
	assert.True(t, dues.CanTransition(dues.PeriodProcessing, dues.PeriodFailed))
	assert.True(t, dues.CanTransition(dues.PeriodActive, dues.PeriodClosed))
	assert.False(t, dues.CanTransition(dues.PeriodDraft, dues.PeriodActive))
	assert.False(t, dues.CanTransition(dues.PeriodClosed, dues.PeriodActive))
	assert.False(t, dues.CanTransition(dues.PeriodActive, dues.PeriodProcessing))
}

func TestClosePeriod_OnlyFromActive(t *testing.T) {
	h := newHarness(t)
	draft := h.january()

	_, err := h.engine.ClosePeriod(h.admin, orgID, draft.ID)
	assert.ErrorIs(t, err, generic.ErrUnprocessable)

	active, _ := h.activeJanuary()
	closed, err := h.engine.ClosePeriod(h.admin, orgID, active.ID)
	require.NoError(t, err)
	assert.Equal(t, dues.PeriodClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.ClosedAt.Equal(h.now))

	_, err = h.engine.ClosePeriod(h.admin, orgID, active.ID)
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "already closed")
}

func TestClosePeriod_BoardMemberForbidden(t *testing.T) {
	h := newHarness(t)
	active, _ := h.activeJanuary()

	_, err := h.engine.ClosePeriod(h.board, orgID, active.ID)
	assert.ErrorIs(t, err, generic.ErrForbidden)
	assert.Equal(t, dues.PeriodActive, h.period(active.ID).Status)
}

func TestDeletePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Draft without charges: deleted.
	draft := h.january()
	require.NoError(t, h.engine.DeletePeriod(h.admin, orgID, draft.ID))
	_, err := h.store.Period(ctx, draft.ID)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	// Draft with a live manual charge: refused until it is cancelled.
	draft = h.january()
	c, err := h.engine.CreateManualCharge(h.admin, orgID, draft.ID, dues.NewCharge{
		UnitID: h.units["A-101"], DueTypeID: h.dueType.ID, Amount: dec("50"),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.DeletePeriod(h.admin, orgID, draft.ID), generic.ErrUnprocessable)
	require.NoError(t, h.engine.CancelCharge(h.admin, orgID, c.ID, false))
	assert.NoError(t, h.engine.DeletePeriod(h.admin, orgID, draft.ID))

	// Active: never.
	active, _ := h.activeJanuary()
	assert.ErrorIs(t, h.engine.DeletePeriod(h.admin, orgID, active.ID), generic.ErrUnprocessable)
}
