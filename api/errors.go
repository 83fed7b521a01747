package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/household-points/logging"
	"github.com/warp/household-points/points"
)

// ledgerInconsistencyMessage is what callers see when a unit of work did
// not complete cleanly. Details stay in the logs and the incident queue.
const ledgerInconsistencyMessage = "transaction did not complete cleanly, please check your balance and history"

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, points.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, points.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, points.ErrInvalidStateTransition),
		errors.Is(err, points.ErrOwnerMustDeleteGroup),
		errors.Is(err, points.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case errors.Is(err, points.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, points.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, points.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with the status statusFor picks. Server-side
// failures are logged and their details withheld.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if points.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	switch {
	case errors.Is(err, points.ErrLedgerInconsistency):
		var lerr *points.LedgerInconsistencyError
		resp := ErrorResponse{Error: ledgerInconsistencyMessage}
		if errors.As(err, &lerr) {
			resp.Details = "incident " + string(lerr.IncidentID)
		}
		writeJSON(w, status, resp)
	case status >= http.StatusInternalServerError:
		logging.WithRequestID(r.Context(), h.logger).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, status, ErrorResponse{Error: http.StatusText(status)})
	default:
		writeJSON(w, status, ErrorResponse{Error: err.Error()})
	}
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

// decode reads a JSON body into dst, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}
