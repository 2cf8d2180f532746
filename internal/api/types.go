package api

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
)

type ErrorResponse struct {
	Error    string               `json:"error"`
	Details  string               `json:"details,omitempty"`
	Conflict *AppointmentResponse `json:"conflicto,omitempty"`
}

type CreateAppointmentRequest struct {
	PacienteID      string     `json:"paciente_id"`
	TratamientoID   string     `json:"tratamiento_id"`
	FechaHoraInicio *time.Time `json:"fecha_hora_inicio"`
	FechaHoraFin    *time.Time `json:"fecha_hora_fin"`
	Notas           string     `json:"notas"`
	CalendarID      *string    `json:"calendar_id"`
	MontoTotal      float64    `json:"monto_total"`
	UsuarioID       string     `json:"usuario_id"`
}

type UpdateAppointmentRequest struct {
	FechaHoraInicio *time.Time `json:"fecha_hora_inicio"`
	FechaHoraFin    *time.Time `json:"fecha_hora_fin"`
	TratamientoID   *string    `json:"tratamiento_id"`
	Estado          *string    `json:"estado"`
	Notas           *string    `json:"notas"`
	Motivo          string     `json:"motivo"`
	UsuarioID       string     `json:"usuario_id"`
}

type StatusChangeRequest struct {
	Estado    string `json:"estado"`
	Motivo    string `json:"motivo"`
	UsuarioID string `json:"usuario_id"`
}

type CancelRequest struct {
	Motivo    string `json:"motivo"`
	UsuarioID string `json:"usuario_id"`
}

type RescheduleRequest struct {
	FechaHoraInicio *time.Time `json:"fecha_hora_inicio"`
	FechaHoraFin    *time.Time `json:"fecha_hora_fin"`
	Motivo          string     `json:"motivo"`
	UsuarioID       string     `json:"usuario_id"`
}

type PaymentRequest struct {
	Monto      float64 `json:"monto"`
	MetodoPago string  `json:"metodo_pago"`
	Notas      string  `json:"notas"`
}

// SelfServiceRequest is the body of the patient-facing routes.
type SelfServiceRequest struct {
	DNI             string     `json:"dni"`
	TurnoID         string     `json:"turno_id"`
	Motivo          string     `json:"motivo"`
	FechaHoraInicio *time.Time `json:"fecha_hora_inicio"`
	FechaHoraFin    *time.Time `json:"fecha_hora_fin"`
}

type SendWhatsAppRequest struct {
	To        string            `json:"to"`
	Message   string            `json:"message"`
	Variables map[string]string `json:"variables"`
}

type SendWhatsAppResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SendBulkRequest struct {
	Recipients []string          `json:"recipients"`
	Message    string            `json:"message"`
	Variables  map[string]string `json:"variables"`
	// DelayBetweenMessages is in milliseconds; omitted means the default.
	DelayBetweenMessages *int64 `json:"delayBetweenMessages"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	PacienteID      uuid.UUID  `json:"paciente_id"`
	TratamientoID   uuid.UUID  `json:"tratamiento_id"`
	FechaHoraInicio time.Time  `json:"fecha_hora_inicio"`
	FechaHoraFin    time.Time  `json:"fecha_hora_fin"`
	Estado          string     `json:"estado"`
	EstadoLabel     string     `json:"estado_label"`
	EstadoColor     string     `json:"estado_color"`
	EstadoPago      *string    `json:"estado_pago,omitempty"`
	CalendarID      *string    `json:"calendar_id,omitempty"`
	Notas           string     `json:"notas"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

type SideEffectResponse struct {
	Estado string `json:"estado"`
	Error  string `json:"error,omitempty"`
}

type CreateAppointmentResponse struct {
	Turno        AppointmentResponse `json:"turno"`
	Pago         *PaymentResponse    `json:"pago,omitempty"`
	Notificacion SideEffectResponse  `json:"notificacion"`
}

type RescheduleResponse struct {
	Original     AppointmentResponse `json:"turno_original"`
	Nuevo        AppointmentResponse `json:"turno_nuevo"`
	Notificacion SideEffectResponse  `json:"notificacion"`
}

type PaymentResponse struct {
	TurnoID         uuid.UUID  `json:"turno_id"`
	MontoTotal      float64    `json:"monto_total"`
	MontoPagado     float64    `json:"monto_pagado"`
	EstadoPago      string     `json:"estado_pago"`
	MetodoPago      string     `json:"metodo_pago,omitempty"`
	FechaUltimoPago *time.Time `json:"fecha_ultimo_pago,omitempty"`
	Notas           string     `json:"notas,omitempty"`
}

type HistoryEntryResponse struct {
	ID            int64     `json:"id"`
	TurnoID       uuid.UUID `json:"turno_id"`
	Campo         string    `json:"campo"`
	ValorAnterior *string   `json:"valor_anterior"`
	ValorNuevo    *string   `json:"valor_nuevo"`
	Actor         string    `json:"actor"`
	UsuarioID     *string   `json:"usuario_id,omitempty"`
	UsuarioNombre *string   `json:"usuario_nombre,omitempty"`
	Motivo        string    `json:"motivo,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type FlowEntryResponse struct {
	ID             int64     `json:"id"`
	EstadoAnterior *string   `json:"estado_anterior"`
	EstadoNuevo    string    `json:"estado_nuevo"`
	Actor          string    `json:"actor"`
	UsuarioID      *string   `json:"usuario_id,omitempty"`
	Nota           string    `json:"nota,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type PatientResponse struct {
	ID     uuid.UUID `json:"id"`
	DNI    string    `json:"dni"`
	Nombre string    `json:"nombre"`
}

type PatientAppointmentsResponse struct {
	Paciente PatientResponse       `json:"paciente"`
	Turnos   []AppointmentResponse `json:"turnos"`
}

type SlotResponse struct {
	Hora   string    `json:"hora"`
	Inicio time.Time `json:"inicio"`
	Fin    time.Time `json:"fin"`
}

type StatusResponse struct {
	Valor    string `json:"valor"`
	Label    string `json:"label"`
	Color    string `json:"color"`
	Terminal bool   `json:"terminal"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		PacienteID:      a.PatientID,
		TratamientoID:   a.TreatmentID,
		FechaHoraInicio: a.Start,
		FechaHoraFin:    a.End,
		Estado:          string(a.Status),
		EstadoLabel:     a.Status.Label(),
		EstadoColor:     a.Status.Color(),
		CalendarID:      a.CalendarID,
		Notas:           a.Notes,
		CreatedAt:       a.CreatedAt,
	}
	if a.PaymentStatus != nil {
		ps := string(*a.PaymentStatus)
		resp.EstadoPago = &ps
	}
	if !a.UpdatedAt.IsZero() {
		updated := a.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func toAppointmentResponses(in []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(in))
	for _, a := range in {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}

func toPaymentResponse(p *appointment.Payment) *PaymentResponse {
	if p == nil {
		return nil
	}
	return &PaymentResponse{
		TurnoID:         p.AppointmentID,
		MontoTotal:      fromCents(p.AmountDueCents),
		MontoPagado:     fromCents(p.AmountPaidCents),
		EstadoPago:      string(p.State),
		MetodoPago:      p.Method,
		FechaUltimoPago: p.LastPaidAt,
		Notas:           p.Notes,
	}
}

func toSideEffectResponse(se appointment.SideEffect) SideEffectResponse {
	resp := SideEffectResponse{Estado: string(se.Status)}
	if se.Err != nil {
		resp.Error = se.Err.Error()
	}
	return resp
}

func actorUserID(a appointment.Actor) *string {
	if a.UserID == nil {
		return nil
	}
	id := a.UserID.String()
	return &id
}

func toHistoryResponses(in []appointment.HistoryEntry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(in))
	for _, e := range in {
		out = append(out, HistoryEntryResponse{
			ID:            e.ID,
			TurnoID:       e.AppointmentID,
			Campo:         e.Field,
			ValorAnterior: e.OldValue,
			ValorNuevo:    e.NewValue,
			Actor:         string(e.Actor.Kind),
			UsuarioID:     actorUserID(e.Actor),
			UsuarioNombre: e.ActorName,
			Motivo:        e.Reason,
			CreatedAt:     e.CreatedAt,
		})
	}
	return out
}

func toFlowResponses(in []appointment.FlowEntry) []FlowEntryResponse {
	out := make([]FlowEntryResponse, 0, len(in))
	for _, e := range in {
		var from *string
		if e.From != nil {
			s := string(*e.From)
			from = &s
		}
		out = append(out, FlowEntryResponse{
			ID:             e.ID,
			EstadoAnterior: from,
			EstadoNuevo:    string(e.To),
			Actor:          string(e.Actor.Kind),
			UsuarioID:      actorUserID(e.Actor),
			Nota:           e.Note,
			CreatedAt:      e.CreatedAt,
		})
	}
	return out
}

// toCents converts a decimal amount in pesos to integer cents.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}
