package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/jobs"
)

func (a *apiHarness) doWithToken(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestScenarios_OnlyWhenEnabled(t *testing.T) {
	a := newAPIHarness(t, RouterOptions{})
	assert.Equal(t, http.StatusNotFound, a.do("GET", "/api/scenarios", "", nil).Code)

	a = newAPIHarness(t, RouterOptions{EnableScenarios: true})
	rec := a.do("GET", "/api/scenarios", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]ScenarioDTO](t, rec), 2)

	rec = a.do("POST", "/api/scenarios/load", "", map[string]string{"scenario_id": "no-such-scenario"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadScenario_NewBuilding(t *testing.T) {
	// GIVEN: The new-building scenario is loaded
	a := newAPIHarness(t, RouterOptions{EnableScenarios: true})
	rec := a.do("POST", "/api/scenarios/load", "", map[string]string{"scenario_id": "new-building"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	loaded := decodeAs[LoadScenarioResponse](t, rec)
	require.Contains(t, loaded.Tokens, "demo-admin")
	base := "/api/orgs/" + loaded.OrganizationID

	// WHEN: The returned admin token lists the catalog and periods
	rec = a.doWithToken("GET", base+"/due-types", loaded.Tokens["demo-admin"])
	require.Equal(t, http.StatusOK, rec.Code)
	dueTypes := decodeAs[[]dues.DueType](t, rec)

	rec = a.doWithToken("GET", base+"/periods", loaded.Tokens["demo-admin"])
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decodeAs[[]dues.PeriodSummary](t, rec)

	// THEN: Three due types and one draft period
	assert.Len(t, dueTypes, 3)
	require.Len(t, periods, 1)
	assert.Equal(t, dues.PeriodDraft, periods[0].Status)

	// The seeded organization is separate from the test organization.
	assert.Equal(t, http.StatusForbidden, a.doWithToken("GET", "/api/orgs/org-1/periods", loaded.Tokens["demo-admin"]).Code)
}

func TestLoadScenario_Collections(t *testing.T) {
	a := newAPIHarness(t, RouterOptions{EnableScenarios: true})
	rec := a.do("POST", "/api/scenarios/load", "", map[string]string{"scenario_id": "collections"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	loaded := decodeAs[LoadScenarioResponse](t, rec)

	rec = a.doWithToken("GET", "/api/orgs/"+loaded.OrganizationID+"/summary", loaded.Tokens["demo-board"])
	require.Equal(t, http.StatusOK, rec.Code)
	s := decodeAs[dues.OrgSummary](t, rec)

	// February: 101 paid 1500, 102 paid half of 800, 201 and 202 open.
	// 201 (studio, 600) carries a 2% fee for 30 days.
	assert.Equal(t, 1, s.ActivePeriods)
	assert.Equal(t, 3, s.OpenCharges)
	assert.Equal(t, "1900.00", s.CollectedAmount.StringFixed(2))
	assert.Equal(t, "12.00", s.LateFeeAmount.StringFixed(2))

	// Residents still cannot read the ledger.
	rec = a.doWithToken("GET", "/api/orgs/"+loaded.OrganizationID+"/summary", loaded.Tokens["demo-resident-1"])
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLoadScenario_CollectionsLeavesOtherJobsQueued(t *testing.T) {
	// GIVEN: org-1 has a confirmed accrual waiting for the background worker
	a := newAPIHarness(t, RouterOptions{EnableScenarios: true})
	dt := a.createDueType()
	p := a.createPeriod("u-admin", "2025-03-01", "2025-03-31")
	rec := a.do("POST", "/api/orgs/org-1/periods/"+p.ID+"/accrual", "u-admin",
		map[string]any{"due_type_ids": []string{dt.ID}, "confirmed": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	result := decodeAs[dues.TriggerResult](t, rec)

	// WHEN: The collections scenario is loaded
	rec = a.do("POST", "/api/scenarios/load", "", map[string]string{"scenario_id": "collections"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: org-1's job and period were not touched
	job, err := a.store.Job(context.Background(), result.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)

	rec = a.do("GET", "/api/orgs/org-1/periods/"+p.ID, "u-admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dues.PeriodProcessing, decodeAs[dues.Period](t, rec).Status)
}
