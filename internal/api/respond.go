package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Code: code, Details: details})
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, appointment.ErrPractitionerNotApproved) {
		return http.StatusUnprocessableEntity
	}
	switch appointment.KindOf(err) {
	case appointment.KindValidation:
		return http.StatusBadRequest
	case appointment.KindAuthorization:
		return http.StatusForbidden
	case appointment.KindNotFound:
		return http.StatusNotFound
	case appointment.KindConflict, appointment.KindTerminal, appointment.KindInvalidTransition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeServiceError renders err as {code, details}. Forbidden never says
// which rule failed and internal errors are logged, not echoed.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusInternalServerError:
		logger.Error("request failed", "error", err, "path", r.URL.Path, "request_id", GetRequestID(r.Context()))
		writeError(w, status, "INTERNAL", "internal error")
	case status == http.StatusForbidden:
		writeError(w, status, appointment.ErrForbidden.Code, appointment.ErrForbidden.Message)
	default:
		writeError(w, status, appointment.CodeOf(err), err.Error())
	}
}
