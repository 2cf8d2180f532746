package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
	redisclient "github.com/hackgods/dental-appointment-workflow/internal/redis"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps domain errors to the HTTP taxonomy. Anything
// unrecognized is logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *appointment.ConflictError
	switch {
	case errors.As(err, &conflict):
		existing := toAppointmentResponse(conflict.Existing)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "appointment_conflict",
			Details:  "the requested time overlaps an existing appointment",
			Conflict: &existing,
		})
	case errors.Is(err, appointment.ErrConflict):
		writeError(w, http.StatusConflict, "appointment_conflict", err.Error())
	case errors.Is(err, appointment.ErrAgendaBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "agenda_busy", "agenda is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, appointment.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, notify.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, "invalid_phone", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", "patient is not registered, please register first")
	case errors.Is(err, appointment.ErrTreatmentNotFound):
		writeError(w, http.StatusNotFound, "treatment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment_not_found", err.Error())
	case errors.Is(err, appointment.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, appointment.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, appointment.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	default:
		loggerFrom(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error, please try again")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}
