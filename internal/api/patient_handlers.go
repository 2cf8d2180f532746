package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
)

// decodeSelfService reads the patient request and checks dni and turno_id.
func decodeSelfService(w http.ResponseWriter, r *http.Request) (SelfServiceRequest, uuid.UUID, bool) {
	var req SelfServiceRequest
	if !decodeJSON(w, r, &req) {
		return req, uuid.Nil, false
	}
	if req.DNI == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "dni is required")
		return req, uuid.Nil, false
	}
	id, err := uuid.Parse(req.TurnoID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "turno_id must be a valid UUID")
		return req, uuid.Nil, false
	}
	return req, id, true
}

func patientCancelHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, id, ok := decodeSelfService(w, r)
		if !ok {
			return
		}
		appt, err := svc.PatientCancel(r.Context(), req.DNI, id, req.Motivo)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func patientConfirmHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, id, ok := decodeSelfService(w, r)
		if !ok {
			return
		}
		appt, err := svc.PatientConfirm(r.Context(), req.DNI, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func patientRescheduleHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, id, ok := decodeSelfService(w, r)
		if !ok {
			return
		}
		if req.FechaHoraInicio == nil || req.FechaHoraFin == nil {
			writeError(w, http.StatusBadRequest, "validation_error", "fecha_hora_inicio and fecha_hora_fin are required")
			return
		}
		out, err := svc.PatientReschedule(r.Context(), req.DNI, id, *req.FechaHoraInicio, *req.FechaHoraFin, req.Motivo)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRescheduleResponse(out))
	}
}

func patientAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dni := r.URL.Query().Get("dni")
		if dni == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "dni is required")
			return
		}
		patient, appts, err := svc.PatientAppointments(r.Context(), dni)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, PatientAppointmentsResponse{
			Paciente: PatientResponse{ID: patient.ID, DNI: patient.DNI, Nombre: patient.Name},
			Turnos:   toAppointmentResponses(appts),
		})
	}
}

// availableSlotsHandler serves GET /api/turnos/available-slots?fecha=YYYY-MM-DD
// with an optional duracion (minutes, 30 or 60 in the calendar screens).
func availableSlotsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		day, err := svc.ParseDay(q.Get("fecha"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		var slots []appointment.Slot
		if raw := q.Get("duracion"); raw != "" {
			minutes, convErr := strconv.Atoi(raw)
			if convErr != nil || minutes <= 0 {
				writeError(w, http.StatusBadRequest, "validation_error", "duracion must be a positive number of minutes")
				return
			}
			slots, err = svc.AvailableSlotsWithStep(r.Context(), day, time.Duration(minutes)*time.Minute)
		} else {
			slots, err = svc.AvailableSlots(r.Context(), day)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		out := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			out = append(out, SlotResponse{
				Hora:   s.Start.In(day.Location()).Format("15:04"),
				Inicio: s.Start,
				Fin:    s.End,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
