package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
)

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// resolveActor identifies the staff member behind an admin request from the
// body usuario_id or the X-User-ID header. Requests without either run as the
// system actor.
func resolveActor(w http.ResponseWriter, r *http.Request, svc AppointmentService, bodyUserID string) (appointment.Actor, bool) {
	raw := strings.TrimSpace(bodyUserID)
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("X-User-ID"))
	}
	if raw == "" {
		return appointment.SystemActor(), true
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "usuario_id must be a valid UUID")
		return appointment.Actor{}, false
	}
	actor, err := svc.ResolveStaff(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return appointment.Actor{}, false
	}
	return actor, true
}

func optionalUUID(raw, field string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a valid UUID", appointment.ErrValidation, field)
	}
	return &id, nil
}

// parseTimeBound accepts RFC 3339 or a bare YYYY-MM-DD. A bare date used as
// an upper bound covers the whole day.
func parseTimeBound(svc AppointmentService, raw string, upper bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	day, err := svc.ParseDay(raw)
	if err != nil {
		return nil, err
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return &day, nil
}

func listAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f appointment.ListFilter

		if raw := q.Get("estado"); raw != "" {
			st, err := appointment.ParseStatus(raw)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			f.Status = &st
		}

		var err error
		if f.PatientID, err = optionalUUID(q.Get("paciente_id"), "paciente_id"); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if f.TreatmentID, err = optionalUUID(q.Get("tratamiento_id"), "tratamiento_id"); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if f.From, err = parseTimeBound(svc, q.Get("desde"), false); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if f.To, err = parseTimeBound(svc, q.Get("hasta"), true); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if raw := q.Get("limit"); raw != "" {
			if f.Limit, err = strconv.Atoi(raw); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
				return
			}
		}
		if raw := q.Get("offset"); raw != "" {
			if f.Offset, err = strconv.Atoi(raw); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
				return
			}
		}

		appts, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponses(appts))
	}
}

func createAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		patientID, err := uuid.Parse(req.PacienteID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "paciente_id must be a valid UUID")
			return
		}
		treatmentID, err := uuid.Parse(req.TratamientoID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_treatment_id", "tratamiento_id must be a valid UUID")
			return
		}
		if req.FechaHoraInicio == nil || req.FechaHoraFin == nil {
			writeError(w, http.StatusBadRequest, "validation_error", "fecha_hora_inicio and fecha_hora_fin are required")
			return
		}
		if req.MontoTotal < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "monto_total cannot be negative")
			return
		}

		actor, ok := resolveActor(w, r, svc, req.UsuarioID)
		if !ok {
			return
		}

		out, err := svc.CreateAppointment(r.Context(), appointment.BookingRequest{
			PatientID:          patientID,
			TreatmentID:        treatmentID,
			Start:              *req.FechaHoraInicio,
			End:                *req.FechaHoraFin,
			Notes:              req.Notas,
			CalendarID:         req.CalendarID,
			PaymentAmountCents: toCents(req.MontoTotal),
			Actor:              actor,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, CreateAppointmentResponse{
			Turno:        toAppointmentResponse(*out.Appointment),
			Pago:         toPaymentResponse(out.Payment),
			Notificacion: toSideEffectResponse(out.Notification),
		})
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func updateAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		var req UpdateAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		patch := appointment.UpdateRequest{
			Start:  req.FechaHoraInicio,
			End:    req.FechaHoraFin,
			Notes:  req.Notas,
			Reason: req.Motivo,
		}
		if req.TratamientoID != nil {
			tid, err := uuid.Parse(*req.TratamientoID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_treatment_id", "tratamiento_id must be a valid UUID")
				return
			}
			patch.TreatmentID = &tid
		}
		if req.Estado != nil {
			st, err := appointment.ParseStatus(*req.Estado)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			patch.Status = &st
		}

		actor, ok := resolveActor(w, r, svc, req.UsuarioID)
		if !ok {
			return
		}

		appt, err := svc.Update(r.Context(), id, patch, actor)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

// cancelAppointmentHandler backs DELETE: the row is kept and moved to
// cancelado_consultorio.
func cancelAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		var req CancelRequest
		if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
			return
		}
		if req.Motivo == "" {
			req.Motivo = r.URL.Query().Get("motivo")
		}

		actor, ok := resolveActor(w, r, svc, req.UsuarioID)
		if !ok {
			return
		}
		appt, err := svc.Cancel(r.Context(), id, actor, req.Motivo)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func changeStatusHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		var req StatusChangeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		st, err := appointment.ParseStatus(req.Estado)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		actor, ok := resolveActor(w, r, svc, req.UsuarioID)
		if !ok {
			return
		}
		appt, err := svc.Transition(r.Context(), id, st, actor, req.Motivo)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func registerPaymentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		var req PaymentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		cents := toCents(req.Monto)
		if cents <= 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "monto must be positive")
			return
		}

		payment, err := svc.RegisterPayment(r.Context(), id, cents, req.MetodoPago, req.Notas)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(payment))
	}
}

func getPaymentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		payment, err := svc.GetPayment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPaymentResponse(payment))
	}
}

func historyHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		entries, err := svc.History(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toHistoryResponses(entries))
	}
}

func statusFlowHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		flow, err := svc.StatusFlow(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toFlowResponses(flow))
	}
}

func rescheduleHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.FechaHoraInicio == nil || req.FechaHoraFin == nil {
			writeError(w, http.StatusBadRequest, "validation_error", "fecha_hora_inicio and fecha_hora_fin are required")
			return
		}

		actor, ok := resolveActor(w, r, svc, req.UsuarioID)
		if !ok {
			return
		}
		out, err := svc.Reschedule(r.Context(), id, *req.FechaHoraInicio, *req.FechaHoraFin, actor, req.Motivo)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRescheduleResponse(out))
	}
}

func toRescheduleResponse(out *appointment.RescheduleOutcome) RescheduleResponse {
	return RescheduleResponse{
		Original:     toAppointmentResponse(*out.Original),
		Nuevo:        toAppointmentResponse(*out.Created),
		Notificacion: toSideEffectResponse(out.Notification),
	}
}

func confirmationsHandler(svc AppointmentService, confirmations ConfirmationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		if _, err := svc.GetAppointment(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		records, err := confirmations.Confirmations(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if records == nil {
			records = []notify.Confirmation{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func statusesHandler() http.HandlerFunc {
	all := appointment.AllStatuses()
	out := make([]StatusResponse, 0, len(all))
	for _, s := range all {
		out = append(out, StatusResponse{
			Valor:    string(s),
			Label:    s.Label(),
			Color:    s.Color(),
			Terminal: s.IsTerminal(),
		})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, out)
	}
}
