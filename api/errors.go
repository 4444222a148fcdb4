package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/generic"
)

// =============================================================================
// ERROR RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx response. NeedsConfirmation
// marks a request that succeeds when re-sent with confirmation; Excess or
// Paid tells the client what it is confirming.
type ErrorResponse struct {
	Error             string           `json:"error"`
	Details           string           `json:"details,omitempty"`
	NeedsConfirmation bool             `json:"needs_confirmation,omitempty"`
	Excess            *decimal.Decimal `json:"excess,omitempty"`
	Paid              *decimal.Decimal `json:"paid,omitempty"`
}

// statusOf maps an engine error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, generic.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, generic.ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an error response. Internal errors are logged and
// their details withheld.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "Internal server error", nil)
		return
	}

	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error()}
	var confirm *generic.ConfirmationRequiredError
	if errors.As(err, &confirm) {
		resp.Error = confirm.Reason
		resp.NeedsConfirmation = true
		if confirm.Excess.IsPositive() {
			resp.Excess = &confirm.Excess
		}
		if confirm.Paid.IsPositive() {
			resp.Paid = &confirm.Paid
		}
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
