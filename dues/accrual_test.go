package dues_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
)

// =============================================================================
// PREVIEW
// =============================================================================

func TestPreviewAccrual_OccupiedOnly(t *testing.T) {
	h := newHarness(t)
	p := h.january()

	preview, err := h.engine.PreviewAccrual(h.admin, h.request(p.ID))
	require.NoError(t, err)

	assert.Equal(t, 4, preview.TotalUnits)
	assert.Equal(t, 3, preview.OccupiedUnits)
	assert.Equal(t, 1, preview.EmptyUnits)
	assert.Equal(t, 3, preview.IncludedUnits)
	assert.Equal(t, 1, preview.UnitsWithoutCategory)
	assert.Equal(t, "3300.00", preview.TotalAmount.StringFixed(2))
	require.Len(t, preview.DueTypes, 1)
	assert.Equal(t, "Maintenance", preview.DueTypes[0].DueTypeName)
}

func TestPreviewAccrual_IncludeEmptyUnits(t *testing.T) {
	h := newHarness(t)
	p := h.january()
	req := h.request(p.ID)
	req.IncludeEmptyUnits = true

	preview, err := h.engine.PreviewAccrual(h.admin, req)
	require.NoError(t, err)
	assert.Equal(t, 4, preview.IncludedUnits)
	assert.Equal(t, "4800.00", preview.TotalAmount.StringFixed(2))
}

func TestPreviewAccrual_RejectsBadSelection(t *testing.T) {
	h := newHarness(t)
	p := h.january()

	_, err := h.engine.PreviewAccrual(h.admin, dues.AccrualRequest{OrgID: orgID, PeriodID: p.ID, DueTypeIDs: []string{"", ""}})
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "nothing selected")

	_, err = h.engine.PreviewAccrual(h.admin, dues.AccrualRequest{OrgID: orgID, PeriodID: p.ID, DueTypeIDs: []string{"missing"}})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	require.NoError(t, h.engine.DeactivateDueType(h.admin, orgID, h.dueType.ID))
	_, err = h.engine.PreviewAccrual(h.admin, h.request(p.ID))
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "inactive due type")
}

func TestTriggerAccrual_UnconfirmedReturnsSamePreview(t *testing.T) {
	// GIVEN: A draft period
	h := newHarness(t)
	p := h.january()

	// WHEN: Preview and an unconfirmed trigger run with the same request
	preview, err := h.engine.PreviewAccrual(h.admin, h.request(p.ID))
	require.NoError(t, err)
	result, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), false)
	require.NoError(t, err)

	// THEN: Both agree and nothing changed
	assert.Equal(t, preview, result.Preview)
	assert.Empty(t, result.JobID)
	assert.Equal(t, dues.PeriodDraft, h.period(p.ID).Status)
}

// =============================================================================
// TRIGGER
// =============================================================================

func TestTriggerAccrual_ConfirmedQueuesJob(t *testing.T) {
	h := newHarness(t)
	p := h.january()

	result, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, dues.PeriodProcessing, h.period(p.ID).Status)

	job, err := h.store.Job(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeBulkAccrual, job.Type)
	assert.Equal(t, jobs.StatusQueued, job.Status)

	payload, err := jobs.Decode(job)
	require.NoError(t, err)
	assert.Equal(t, jobs.BulkAccrual{PeriodID: p.ID, OrgID: orgID, DueTypeIDs: []string{h.dueType.ID}, CreatedBy: "u-admin"}, payload)
}

func TestTriggerAccrual_ConcurrentTriggersOneWins(t *testing.T) {
	// GIVEN: A draft period
	h := newHarness(t)
	p := h.january()

	// WHEN: Five confirmed triggers race
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, generic.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one wins, the rest conflict, one job exists
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 4, conflicts)
	claimed, err := h.store.Claim(context.Background(), jobs.TypeBulkAccrual, 10, h.now)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestTriggerAccrual_RejectsWrongStatusOrExistingCharges(t *testing.T) {
	h := newHarness(t)

	active, _ := h.activeJanuary()
	_, err := h.engine.TriggerAccrual(h.admin, h.request(active.ID), true)
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "active period")

	draft := h.january()
	_, err = h.engine.CreateManualCharge(h.admin, orgID, draft.ID, dues.NewCharge{
		UnitID: h.units["A-101"], DueTypeID: h.dueType.ID, Amount: dec("10"),
	})
	require.NoError(t, err)
	_, err = h.engine.TriggerAccrual(h.admin, h.request(draft.ID), true)
	assert.ErrorIs(t, err, generic.ErrUnprocessable, "draft with live charges")
}

// =============================================================================
// BULK ACCRUAL WORKER
// =============================================================================

func TestBulkAccrual_GeneratesPricedCharges(t *testing.T) {
	h := newHarness(t)

	p, charges := h.activeJanuary()

	assert.Equal(t, dues.PeriodActive, p.Status)
	require.Len(t, charges, 3)
	assert.Equal(t, "1500.00", charges["A-101"].Amount.StringFixed(2))
	assert.Equal(t, "800.00", charges["A-102"].Amount.StringFixed(2))
	assert.Equal(t, "1000.00", charges["A-104"].Amount.StringFixed(2))
	for _, c := range charges {
		assert.Equal(t, dues.ChargePending, c.Status)
		assert.Equal(t, "u-admin", c.CreatedBy)
	}
}

func TestBulkAccrual_JobCompleted(t *testing.T) {
	h := newHarness(t)
	p := h.january()
	result, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)

	require.NoError(t, h.accrualWorker(h.engine).RunOnce(context.Background()))

	job, err := h.store.Job(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}

func TestBulkAccrual_RerunSkipsExistingCharges(t *testing.T) {
	// GIVEN: A completed accrual
	h := newHarness(t)
	ctx := context.Background()
	p, before := h.activeJanuary()

	// WHEN: The same job is replayed against the period
	_, err := h.store.TransitionPeriod(ctx, p.ID, []dues.PeriodStatus{dues.PeriodActive}, dues.PeriodProcessing, h.now)
	require.NoError(t, err)
	job, err := jobs.New(jobs.BulkAccrual{PeriodID: p.ID, OrgID: orgID, DueTypeIDs: []string{h.dueType.ID}, CreatedBy: "u-admin"}, h.now)
	require.NoError(t, err)
	require.NoError(t, h.store.Enqueue(ctx, job))
	require.NoError(t, h.accrualWorker(h.engine).RunOnce(ctx))

	// THEN: No duplicate charges, period active again
	after := h.charges(p.ID)
	assert.Equal(t, len(before), len(after))
	live, err := h.store.CountLiveCharges(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, live)
	assert.Equal(t, dues.PeriodActive, h.period(p.ID).Status)
}

func TestBulkAccrual_SkipsDueTypesDeactivatedAfterTrigger(t *testing.T) {
	h := newHarness(t)
	p := h.january()
	_, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)
	require.NoError(t, h.engine.DeactivateDueType(h.admin, orgID, h.dueType.ID))

	require.NoError(t, h.accrualWorker(h.engine).RunOnce(context.Background()))

	assert.Equal(t, dues.PeriodActive, h.period(p.ID).Status)
	assert.Empty(t, h.charges(p.ID))
}

// failingStore inserts the first charge of a batch and then fails, so a
// missing rollback would leave a partial accrual behind.
type failingStore struct{ dues.Store }

func (f failingStore) WithTx(ctx context.Context, fn func(tx dues.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx dues.Tx) error { return fn(failingTx{tx}) })
}

type failingTx struct{ dues.Tx }

func (f failingTx) InsertChargesIgnoringDuplicates(ctx context.Context, cs []dues.Charge) (int, error) {
	if _, err := f.Tx.InsertChargesIgnoringDuplicates(ctx, cs[:1]); err != nil {
		return 0, err
	}
	return 1, errors.New("disk full")
}

func TestBulkAccrual_FailureRollsBackAndAllowsRetry(t *testing.T) {
	// GIVEN: A triggered period and a worker whose inserts fail midway
	h := newHarness(t)
	ctx := context.Background()
	p := h.january()
	first, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)

	broken := dues.NewEngine(failingStore{h.store}, auth.NewDirectory(h.store), zap.NewNop())
	broken.Now = func() time.Time { return h.now }

	// WHEN: The worker runs
	require.NoError(t, h.accrualWorker(broken).RunOnce(ctx))

	// THEN: The period failed, the job failed, and no charge survived
	assert.Equal(t, dues.PeriodFailed, h.period(p.ID).Status)
	job, err := h.store.Job(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorDetail, "disk full")
	live, err := h.store.CountLiveCharges(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, live)

	// WHEN: The admin retries with a healthy worker
	_, err = h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)
	require.NoError(t, h.accrualWorker(h.engine).RunOnce(ctx))

	// THEN: The period is active with every charge
	assert.Equal(t, dues.PeriodActive, h.period(p.ID).Status)
	assert.Len(t, h.charges(p.ID), 3)
}

// completeFailStore commits charges normally but cannot mark the job
// completed.
type completeFailStore struct{ dues.Store }

func (f completeFailStore) WithTx(ctx context.Context, fn func(tx dues.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx dues.Tx) error { return fn(completeFailTx{tx}) })
}

type completeFailTx struct{ dues.Tx }

func (completeFailTx) Complete(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("connection lost")
}

func TestBulkAccrual_CompletionFailureKeepsChargesAndJobRunning(t *testing.T) {
	// GIVEN: A triggered period and a worker that cannot complete the job
	h := newHarness(t)
	ctx := context.Background()
	p := h.january()
	result, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)

	broken := dues.NewEngine(completeFailStore{h.store}, auth.NewDirectory(h.store), zap.NewNop())
	broken.Now = func() time.Time { return h.now }

	// WHEN: The worker runs
	require.NoError(t, h.accrualWorker(broken).RunOnce(ctx))

	// THEN: Charges are committed, the job is running, the period still processing
	job, err := h.store.Job(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, job.Status)
	assert.Equal(t, dues.PeriodProcessing, h.period(p.ID).Status)
	live, err := h.store.CountLiveCharges(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, live)

	// WHEN: The same job is re-run by a healthy engine
	payload, err := jobs.Decode(job)
	require.NoError(t, err)
	require.NoError(t, h.engine.HandleBulkAccrual(ctx, job, payload))

	// THEN: No duplicates, the period is active and the job completed
	live, err = h.store.CountLiveCharges(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, live)
	assert.Equal(t, dues.PeriodActive, h.period(p.ID).Status)
	job, err = h.store.Job(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}

func TestBulkAccrual_UndecodablePayloadFailsPeriod(t *testing.T) {
	// GIVEN: A processing period whose queued job has a wrongly typed field
	h := newHarness(t)
	ctx := context.Background()
	p := h.january()
	ok, err := h.store.TransitionPeriod(ctx, p.ID, []dues.PeriodStatus{dues.PeriodDraft}, dues.PeriodProcessing, h.now)
	require.NoError(t, err)
	require.True(t, ok)

	job := jobs.Job{
		ID:        generic.NewID(),
		Type:      jobs.TypeBulkAccrual,
		Payload:   json.RawMessage(`{"period_id":"` + p.ID + `","org_id":"` + orgID + `","due_type_ids":"oops"}`),
		Status:    jobs.StatusQueued,
		CreatedAt: h.now,
	}
	require.NoError(t, h.store.Enqueue(ctx, job))

	// WHEN: The worker runs
	require.NoError(t, h.accrualWorker(h.engine).RunOnce(ctx))

	// THEN: The job and the period both failed, with no charges
	got, err := h.store.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, dues.PeriodFailed, h.period(p.ID).Status)
	live, err := h.store.CountLiveCharges(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, live)

	// WHEN: The admin triggers again
	_, err = h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)
	require.NoError(t, h.accrualWorker(h.engine).RunOnce(ctx))

	// THEN: The accrual goes through
	assert.Equal(t, dues.PeriodActive, h.period(p.ID).Status)
	assert.Len(t, h.charges(p.ID), 3)
}

func TestBulkAccrual_UndecodablePayloadWithoutPeriodLeavesPeriodsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.january()
	_, err := h.store.TransitionPeriod(ctx, p.ID, []dues.PeriodStatus{dues.PeriodDraft}, dues.PeriodProcessing, h.now)
	require.NoError(t, err)

	for _, raw := range []string{`not json`, `{"period_id": 42}`, `{"org_id":"org-1"}`} {
		require.NoError(t, h.store.Enqueue(ctx, jobs.Job{
			ID: generic.NewID(), Type: jobs.TypeBulkAccrual, Payload: json.RawMessage(raw),
			Status: jobs.StatusQueued, CreatedAt: h.now,
		}))
	}

	require.NoError(t, h.accrualWorker(h.engine).RunOnce(ctx))
	assert.Equal(t, dues.PeriodProcessing, h.period(p.ID).Status)
}

func TestStuckJobs_ScopedToOrganization(t *testing.T) {
	// GIVEN: An accrual job claimed two hours ago and never finished
	h := newHarness(t)
	ctx := context.Background()
	p := h.january()
	result, err := h.engine.TriggerAccrual(h.admin, h.request(p.ID), true)
	require.NoError(t, err)
	_, err = h.store.Claim(ctx, jobs.TypeBulkAccrual, 1, h.now.Add(-2*time.Hour))
	require.NoError(t, err)

	// WHEN: Each organization's admin asks for stuck jobs
	mine, err := h.engine.StuckJobs(h.admin, orgID, time.Hour)
	require.NoError(t, err)
	theirs, err := h.engine.StuckJobs(h.outsider, "org-2", time.Hour)
	require.NoError(t, err)
	recent, err := h.engine.StuckJobs(h.admin, orgID, 3*time.Hour)
	require.NoError(t, err)

	// THEN: Only the owner sees it, and only past the threshold
	require.Len(t, mine, 1)
	assert.Equal(t, result.JobID, mine[0].ID)
	assert.Empty(t, theirs)
	assert.Empty(t, recent)

	_, err = h.engine.StuckJobs(h.board, orgID, time.Hour)
	assert.ErrorIs(t, err, generic.ErrForbidden)
}
