/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes dues.Engine over REST. Handlers parse and validate the request,
  call exactly one engine method with the caller in the context, and
  serialize the result. Every business rule and role check lives in the
  engine.

ENDPOINTS (under /api/orgs/{orgID}):
  Periods:
    GET    /periods                              List with totals
    POST   /periods                              Create (draft)
    GET    /periods/{periodID}                   Get
    DELETE /periods/{periodID}                   Delete a draft
    POST   /periods/{periodID}/close             Close an active period
    POST   /periods/{periodID}/accrual/preview   Preview an accrual run
    POST   /periods/{periodID}/accrual           Trigger (200 preview, 202 queued)

  Charges:
    GET    /periods/{periodID}/charges           Charges with paid/remaining
    POST   /periods/{periodID}/charges           Manual charge
    DELETE /charges/{chargeID}?confirm=true      Cancel (confirm if paid)

  Payments:
    GET    /charges/{chargeID}/payments
    POST   /charges/{chargeID}/payments          Record
    PUT    /payments/{paymentID}                 Update
    DELETE /payments/{paymentID}                 Cancel

  Late fees:
    GET    /charges/{chargeID}/late-fees
    POST   /charges/{chargeID}/late-fees         Apply (default rate if omitted)
    POST   /late-fees/{feeID}/cancel

  Resident self-service:
    GET    /me/dues                              Charges on the caller's units
    GET    /me/payments?page=&page_size=         Caller's payment history

  Catalog, settings and monitoring:
    GET/POST /due-types, PUT /due-types/{dueTypeID},
    POST /due-types/{dueTypeID}/deactivate, GET/PUT /settings,
    GET /summary, GET /jobs/stuck?older_than=15m

ERROR HANDLING:
  - 400: Malformed JSON or query parameters
  - 401: Missing or invalid bearer token
  - 403: Role too low or not a member
  - 404: Missing, or belongs to another organization
  - 409: Lost a race (accrual already triggered, duplicate name or charge)
  - 422: Validation or state rule; needs_confirmation when re-sending with
         confirmation would succeed
  - 500: Internal errors (logged, details withheld)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error mapping
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/factory"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/store/sqlstore"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *dues.Engine
	Verifier *auth.TokenVerifier
	Factory  *factory.DueTypeFactory
	Log      *zap.Logger

	// Store seeds demo scenarios and backs /health.
	Store *sqlstore.Store

	// StuckAfter is the default threshold of GET /jobs/stuck.
	StuckAfter time.Duration

	validate *validator.Validate
}

// NewHandler creates a handler around engine.
func NewHandler(engine *dues.Engine, store *sqlstore.Store, verifier *auth.TokenVerifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:     engine,
		Verifier:   verifier,
		Factory:    factory.NewDueTypeFactory(),
		Log:        log.Named("api"),
		Store:      store,
		StuckAfter: 15 * time.Minute,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// decode reads a JSON body into dst and validates its tags. It writes the
// error response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", err)
		return false
	}
	return true
}

func orgOf(r *http.Request) string { return chi.URLParam(r, "orgID") }

// list keeps empty results as [] rather than null.
func list[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// ListPeriods returns the organization's periods with charge totals.
// GET /api/orgs/{orgID}/periods
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Engine.ListPeriods(r.Context(), orgOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(periods))
}

// CreatePeriod creates a draft period.
// POST /api/orgs/{orgID}/periods
func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", err)
		return
	}

	p, err := h.Engine.CreatePeriod(r.Context(), orgOf(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPeriod returns one period.
// GET /api/orgs/{orgID}/periods/{periodID}
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPeriod(r.Context(), orgOf(r), chi.URLParam(r, "periodID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePeriod deletes a draft period without charges.
// DELETE /api/orgs/{orgID}/periods/{periodID}
func (h *Handler) DeletePeriod(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeletePeriod(r.Context(), orgOf(r), chi.URLParam(r, "periodID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClosePeriod closes an active period.
// POST /api/orgs/{orgID}/periods/{periodID}/close
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.ClosePeriod(r.Context(), orgOf(r), chi.URLParam(r, "periodID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PreviewAccrual returns what an accrual run would generate.
// POST /api/orgs/{orgID}/periods/{periodID}/accrual/preview
func (h *Handler) PreviewAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRequest
	if !h.decode(w, r, &req) {
		return
	}
	preview, err := h.Engine.PreviewAccrual(r.Context(), req.toInput(orgOf(r), chi.URLParam(r, "periodID")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// TriggerAccrual returns the preview (200) until confirmed, then queues the
// run and returns the preview with the job id (202).
// POST /api/orgs/{orgID}/periods/{periodID}/accrual
func (h *Handler) TriggerAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Engine.TriggerAccrual(r.Context(), req.toInput(orgOf(r), chi.URLParam(r, "periodID")), req.Confirmed)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if result.JobID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// ListCharges returns a period's charges with payment positions.
// GET /api/orgs/{orgID}/periods/{periodID}/charges
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	charges, err := h.Engine.ListCharges(r.Context(), orgOf(r), chi.URLParam(r, "periodID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(charges))
}

// CreateCharge adds one manual charge to a period.
// POST /api/orgs/{orgID}/periods/{periodID}/charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req CreateChargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Engine.CreateManualCharge(r.Context(), orgOf(r), chi.URLParam(r, "periodID"), dues.NewCharge{
		UnitID:    req.UnitID,
		DueTypeID: req.DueTypeID,
		Amount:    req.Amount,
		Note:      req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// CancelCharge cancels a charge. A charge with live payments needs
// ?confirm=true and cancels them too.
// DELETE /api/orgs/{orgID}/charges/{chargeID}
func (h *Handler) CancelCharge(w http.ResponseWriter, r *http.Request) {
	confirm, ok := boolQuery(w, r, "confirm")
	if !ok {
		return
	}
	if err := h.Engine.CancelCharge(r.Context(), orgOf(r), chi.URLParam(r, "chargeID"), confirm); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns a charge's payments, cancelled ones included.
// GET /api/orgs/{orgID}/charges/{chargeID}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Engine.ListPayments(r.Context(), orgOf(r), chi.URLParam(r, "chargeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(payments))
}

// RecordPayment records a payment against a charge.
// POST /api/orgs/{orgID}/charges/{chargeID}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.Engine.RecordPayment(r.Context(), orgOf(r), chi.URLParam(r, "chargeID"), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdatePayment rewrites a live payment.
// PUT /api/orgs/{orgID}/payments/{paymentID}
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.Engine.UpdatePayment(r.Context(), orgOf(r), chi.URLParam(r, "paymentID"), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelPayment soft-deletes a payment.
// DELETE /api/orgs/{orgID}/payments/{paymentID}
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.CancelPayment(r.Context(), orgOf(r), chi.URLParam(r, "paymentID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LATE FEE HANDLERS
// =============================================================================

// ListLateFees returns a charge's late fees, cancelled ones included.
// GET /api/orgs/{orgID}/charges/{chargeID}/late-fees
func (h *Handler) ListLateFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.Engine.ListLateFees(r.Context(), orgOf(r), chi.URLParam(r, "chargeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(fees))
}

// ApplyLateFee applies a late fee at the given rate, or the organization's
// default rate when fee_rate is omitted.
// POST /api/orgs/{orgID}/charges/{chargeID}/late-fees
func (h *Handler) ApplyLateFee(w http.ResponseWriter, r *http.Request) {
	var req ApplyLateFeeRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		fee dues.LateFee
		err error
	)
	chargeID := chi.URLParam(r, "chargeID")
	if req.FeeRate == nil {
		fee, err = h.Engine.ApplyDefaultLateFee(r.Context(), orgOf(r), chargeID, req.Note)
	} else {
		fee, err = h.Engine.ApplyLateFee(r.Context(), orgOf(r), chargeID, *req.FeeRate, req.Note)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fee)
}

// CancelLateFee cancels an active late fee.
// POST /api/orgs/{orgID}/late-fees/{feeID}/cancel
func (h *Handler) CancelLateFee(w http.ResponseWriter, r *http.Request) {
	var req CancelLateFeeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.CancelLateFee(r.Context(), orgOf(r), chi.URLParam(r, "feeID"), req.Note); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// DUE TYPE HANDLERS
// =============================================================================

// ListDueTypes returns the catalog; ?active=true hides deactivated types.
// GET /api/orgs/{orgID}/due-types
func (h *Handler) ListDueTypes(w http.ResponseWriter, r *http.Request) {
	activeOnly, ok := boolQuery(w, r, "active")
	if !ok {
		return
	}
	types, err := h.Engine.ListDueTypes(r.Context(), orgOf(r), activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(types))
}

// CreateDueType creates a catalog entry from its JSON definition.
// POST /api/orgs/{orgID}/due-types
func (h *Handler) CreateDueType(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeDueType(w, r)
	if !ok {
		return
	}
	dt, err := h.Engine.CreateDueType(r.Context(), orgOf(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dt)
}

// UpdateDueType replaces a catalog entry's definition.
// PUT /api/orgs/{orgID}/due-types/{dueTypeID}
func (h *Handler) UpdateDueType(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeDueType(w, r)
	if !ok {
		return
	}
	dt, err := h.Engine.UpdateDueType(r.Context(), orgOf(r), chi.URLParam(r, "dueTypeID"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dt)
}

// DeactivateDueType hides a type from future accruals.
// POST /api/orgs/{orgID}/due-types/{dueTypeID}/deactivate
func (h *Handler) DeactivateDueType(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeactivateDueType(r.Context(), orgOf(r), chi.URLParam(r, "dueTypeID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeDueType(w http.ResponseWriter, r *http.Request) (dues.DueTypeInput, bool) {
	var dj factory.DueTypeJSON
	if err := json.NewDecoder(r.Body).Decode(&dj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return dues.DueTypeInput{}, false
	}
	in, err := h.Factory.FromJSON(dj)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", err)
		return dues.DueTypeInput{}, false
	}
	return in, true
}

// =============================================================================
// SETTINGS, SUMMARY AND MONITORING
// =============================================================================

// GetSettings returns the organization's fee and reminder settings.
// GET /api/orgs/{orgID}/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetSettings(r.Context(), orgOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateSettings replaces the organization's settings.
// PUT /api/orgs/{orgID}/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.Engine.UpdateSettings(r.Context(), orgOf(r), dues.Settings{
		LateFeeRate:        req.LateFeeRate,
		LateFeeGraceDays:   req.LateFeeGraceDays,
		ReminderDaysBefore: req.ReminderDaysBefore,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Summary returns the organization dashboard.
// GET /api/orgs/{orgID}/summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Summary(r.Context(), orgOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// MyDues returns the charges on the caller's own units.
// GET /api/orgs/{orgID}/me/dues
func (h *Handler) MyDues(w http.ResponseWriter, r *http.Request) {
	charges, err := h.Engine.MyCharges(r.Context(), orgOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(charges))
}

// MyPayments returns a page of the caller's payment history.
// GET /api/orgs/{orgID}/me/payments?page=1&page_size=20
func (h *Handler) MyPayments(w http.ResponseWriter, r *http.Request) {
	page, ok := intQuery(w, r, "page")
	if !ok {
		return
	}
	pageSize, ok := intQuery(w, r, "page_size")
	if !ok {
		return
	}
	history, err := h.Engine.MyPayments(r.Context(), orgOf(r), page, pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Health pings the database.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DB().PingContext(r.Context()); err != nil {
		h.Log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StuckJobs lists the organization's jobs running longer than older_than
// (default StuckAfter).
// GET /api/orgs/{orgID}/jobs/stuck
func (h *Handler) StuckJobs(w http.ResponseWriter, r *http.Request) {
	olderThan := h.StuckAfter
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid older_than", generic.Unprocessable("older_than must be a positive duration like 15m"))
			return
		}
		olderThan = d
	}
	stuck, err := h.Engine.StuckJobs(r.Context(), orgOf(r), olderThan)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(stuck))
}

// boolQuery reads an optional boolean query parameter.
func boolQuery(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return false, false
	}
	return v, true
}

// intQuery reads an optional non-negative integer query parameter.
func intQuery(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+name, generic.Unprocessable("%s must be a non-negative integer", name))
		return 0, false
	}
	return v, true
}
