/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:
  Seeds a fresh demo organization with members, units, a due type catalog
  and periods, so the API can be explored without other subsystems. Each
  load creates a new organization; existing data is never touched.

AVAILABLE SCENARIOS:
  new-building:  Catalog and units ready for a first accrual run
  collections:   Last month accrued and part paid, one unit overdue with a
                 late fee; this month in draft

HOW SCENARIOS WORK:
  1. Create members (admin, board member, residents) and units
  2. Create due types from factory presets through the engine
  3. Create periods, accrue and record payments through the engine
  4. Return a bearer token per member

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "collections"}

NOTE:
  Mounted only in dev. Members and units are written straight to the store
  because their owning subsystems are outside this service.

SEE ALSO:
  - factory/duetype.go: Due type presets
  - server.go: RouterOptions.EnableScenarios
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/factory"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
	"github.com/warp/dues-engine/store/sqlstore"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-building",
		Name:        "New Building",
		Description: "Six units, three due types and a draft period ready to accrue",
	},
	{
		ID:          "collections",
		Name:        "Collections",
		Description: "Last month accrued with paid, partial and overdue units plus a late fee",
	},
}

// Demo members. The first is the admin the scenario acts as.
var scenarioMembers = []auth.Membership{
	{UserID: "demo-admin", Role: auth.RoleAdmin, Email: "admin@demo.example"},
	{UserID: "demo-board", Role: auth.RoleBoardMember, Email: "board@demo.example"},
	{UserID: "demo-resident-1", Role: auth.RoleResident, Email: "resident1@demo.example"},
	{UserID: "demo-resident-2", Role: auth.RoleResident, Email: "resident2@demo.example"},
	{UserID: "demo-resident-3", Role: auth.RoleResident, Email: "resident3@demo.example"},
}

var scenarioUnits = []struct{ number, category, resident string }{
	{"101", "large", "demo-resident-1"},
	{"102", "small", "demo-resident-2"},
	{"103", "large", ""},
	{"201", "studio", "demo-resident-3"},
	{"202", "", "demo-board"},
	{"203", "small", ""},
}

const scenarioTokenTTL = 24 * time.Hour

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a new organization for the scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var scenario *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			scenario = &scenarios[i]
		}
	}
	if scenario == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q does not exist", req.ScenarioID))
		return
	}

	orgID := "demo-" + generic.ShortCode(8)
	s := &seeder{h: h, orgID: orgID}
	err := s.base(r.Context())
	if err == nil && scenario.ID == "collections" {
		err = s.collections(r.Context())
	}
	if err == nil {
		err = s.draftPeriod(r.Context())
	}
	if err != nil {
		h.fail(w, r, fmt.Errorf("failed to load scenario %s: %w", scenario.ID, err))
		return
	}

	tokens := make(map[string]string, len(scenarioMembers))
	for _, m := range scenarioMembers {
		token, err := h.Verifier.Issue(m.UserID, scenarioTokenTTL)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		tokens[m.UserID] = token
	}

	writeJSON(w, http.StatusOK, LoadScenarioResponse{
		Scenario:       *scenario,
		OrganizationID: orgID,
		Tokens:         tokens,
	})
}

// =============================================================================
// SEEDING
// =============================================================================

type seeder struct {
	h        *Handler
	orgID    string
	dueTypes map[string]dues.DueType
}

func (s *seeder) as(ctx context.Context, userID string) context.Context {
	return auth.WithCaller(ctx, auth.Caller{UserID: userID})
}

func (s *seeder) admin(ctx context.Context) context.Context { return s.as(ctx, "demo-admin") }

func (s *seeder) board(ctx context.Context) context.Context { return s.as(ctx, "demo-board") }

func (s *seeder) base(ctx context.Context) error {
	store := s.h.Store
	for _, m := range scenarioMembers {
		m.OrgID = s.orgID
		if err := store.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	for _, u := range scenarioUnits {
		id := generic.NewID()
		if err := store.InsertUnit(ctx, sqlstore.UnitRecord{ID: id, OrgID: s.orgID, Number: u.number, Category: u.category}); err != nil {
			return err
		}
		if u.resident != "" {
			if err := store.AddResident(ctx, id, u.resident); err != nil {
				return err
			}
		}
	}

	catalog, err := s.h.Factory.ParseCatalog(`[` +
		factory.MaintenanceJSON("1000", map[string]string{"large": "1500", "small": "800", "studio": "600"}) + `,` +
		factory.ParkingJSON("75") + `,` +
		factory.ReserveFundJSON("200", map[string]string{"large": "300", "small": "150"}) +
		`]`)
	if err != nil {
		return err
	}
	s.dueTypes = make(map[string]dues.DueType, len(catalog))
	for _, in := range catalog {
		dt, err := s.h.Engine.CreateDueType(s.admin(ctx), s.orgID, in)
		if err != nil {
			return err
		}
		s.dueTypes[dt.Name] = dt
	}
	return nil
}

// collections accrues last month's maintenance and settles it unevenly.
func (s *seeder) collections(ctx context.Context) error {
	now := s.h.Engine.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	p, err := s.h.Engine.CreatePeriod(s.admin(ctx), s.orgID, dues.NewPeriod{
		Name:      first.Format("January 2006"),
		StartDate: generic.DateOf(first),
		DueDate:   generic.DateOf(first.AddDate(0, 0, 9)),
	})
	if err != nil {
		return err
	}

	result, err := s.h.Engine.TriggerAccrual(s.admin(ctx), dues.AccrualRequest{
		OrgID:      s.orgID,
		PeriodID:   p.ID,
		DueTypeIDs: []string{s.dueTypes["Maintenance"].ID},
	}, true)
	if err != nil {
		return err
	}
	// Only this scenario's job; other organizations' jobs stay queued for
	// the background worker.
	worker := s.h.Engine.RegisterAccrual(jobs.NewWorker("scenario-accrual", s.h.Store, time.Second, 1, s.h.Log))
	if err := worker.RunJob(ctx, result.JobID); err != nil {
		return err
	}

	charges, err := s.h.Engine.ListCharges(s.admin(ctx), s.orgID, p.ID)
	if err != nil {
		return err
	}
	byUnit := make(map[string]dues.ChargeView, len(charges))
	for _, c := range charges {
		byUnit[c.UnitNumber] = c
	}
	if len(byUnit) == 0 {
		return fmt.Errorf("accrual produced no charges")
	}

	paidAt := first.AddDate(0, 0, 5)
	for number, amount := range map[string]decimal.Decimal{
		"101": byUnit["101"].Amount,
		"102": byUnit["102"].Amount.Div(decimal.NewFromInt(2)).Round(2),
	} {
		if _, err := s.h.Engine.RecordPayment(s.board(ctx), s.orgID, byUnit[number].ID, dues.NewPayment{
			Amount: amount,
			PaidAt: paidAt,
			Method: "bank_transfer",
		}); err != nil {
			return err
		}
	}

	_, err = s.h.Engine.ApplyDefaultLateFee(s.admin(ctx), s.orgID, byUnit["201"].ID, "No payment received")
	return err
}

// draftPeriod creates this month's period, due on the 10th.
func (s *seeder) draftPeriod(ctx context.Context) error {
	now := s.h.Engine.Now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	_, err := s.h.Engine.CreatePeriod(s.admin(ctx), s.orgID, dues.NewPeriod{
		Name:      first.Format("January 2006"),
		StartDate: generic.DateOf(first),
		DueDate:   generic.DateOf(first.AddDate(0, 0, 9)),
	})
	return err
}
