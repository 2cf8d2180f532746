package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/appointment/memstore"
	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
	"github.com/hackgods/dental-appointment-workflow/internal/observability/metrics"
	"github.com/hackgods/dental-appointment-workflow/internal/payments"
)

const testCronSecret = "cron-secret"

type stubSender struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]error
}

func (s *stubSender) SendText(_ context.Context, to, _ string) (notify.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failTo[to]; err != nil {
		return notify.SendResult{}, err
	}
	s.sent = append(s.sent, to)
	return notify.SendResult{MessageID: "wamid." + to}, nil
}

type apiFixture struct {
	server    *httptest.Server
	sender    *stubSender
	patient   appointment.Patient
	other     appointment.Patient
	treatment appointment.Treatment
	staff     appointment.SystemUser
	inactive  appointment.SystemUser
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	now := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	repo := memstore.New()
	repo.SetClock(clock)
	phone := "+54 9 11 2233-4455"
	f := &apiFixture{sender: &stubSender{failTo: map[string]error{}}}
	f.patient = repo.AddPatient(appointment.Patient{DNI: "30111222", Name: "Ana Pérez", Phone: &phone})
	f.other = repo.AddPatient(appointment.Patient{DNI: "28999000", Name: "Luis Gómez"})
	f.treatment = repo.AddTreatment(appointment.Treatment{Name: "Limpieza", DurationMinutes: 60, PriceCents: 10000})
	f.staff = repo.AddSystemUser(appointment.SystemUser{Name: "Dra. Ruiz", Email: "ruiz@clinica.test", Role: "odontologa", Active: true})
	f.inactive = repo.AddSystemUser(appointment.SystemUser{Name: "Ex Empleado", Email: "ex@clinica.test", Role: "recepcion"})

	reg := prometheus.NewRegistry()
	dispatcher := notify.NewDispatcher(f.sender,
		notify.WithDelays(0, time.Second),
		notify.WithMessagingMetrics(metrics.NewMessagingMetrics(reg)),
	)
	confirmations := notify.NewConfirmationService(notify.NewMemoryConfirmationStore(), dispatcher,
		notify.WithConfirmationClock(clock),
	)
	svc := appointment.NewService(repo, nil, config.Config{},
		appointment.WithNotifier(confirmations),
		appointment.WithMetrics(metrics.NewAppointmentMetrics(reg)),
		appointment.WithClock(clock),
	)
	confirmations.Bind(svc)

	stripe := payments.NewStripeWebhookHandler("", svc, payments.NewMemoryTracker(), nil)
	router := NewRouter(RouterConfig{
		Appointments:        svc,
		Confirmations:       confirmations,
		Messenger:           dispatcher,
		StripeWebhook:       stripe.Handle,
		Metrics:             promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Storage:             config.StorageMemory,
		Env:                 "test",
		CronSecret:          testCronSecret,
		WhatsAppVerifyToken: "verify-me",
	})
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *apiFixture) book(t *testing.T, start, end string, extra map[string]any) *http.Response {
	t.Helper()
	body := map[string]any{
		"paciente_id":       f.patient.ID.String(),
		"tratamiento_id":    f.treatment.ID.String(),
		"fecha_hora_inicio": start,
		"fecha_hora_fin":    end,
	}
	for k, v := range extra {
		body[k] = v
	}
	return f.do(t, http.MethodPost, "/api/turnos", body)
}

func (f *apiFixture) bookOK(t *testing.T, start, end string, extra map[string]any) CreateAppointmentResponse {
	t.Helper()
	resp := f.book(t, start, end, extra)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[CreateAppointmentResponse](t, resp)
}

func TestBookingConflictScenario(t *testing.T) {
	f := newAPIFixture(t)

	first := f.bookOK(t, "2025-03-10T10:00:00Z", "2025-03-10T11:00:00Z", nil)
	assert.Equal(t, "reservado", first.Turno.Estado)
	assert.Equal(t, "sent", first.Notificacion.Estado)

	resp := f.book(t, "2025-03-10T10:30:00Z", "2025-03-10T11:30:00Z", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errBody := decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, "appointment_conflict", errBody.Error)
	require.NotNil(t, errBody.Conflict)
	assert.Equal(t, first.Turno.ID, errBody.Conflict.ID)

	third := f.bookOK(t, "2025-03-10T11:00:00Z", "2025-03-10T12:00:00Z", nil)
	assert.NotEqual(t, first.Turno.ID, third.Turno.ID)

	list := f.do(t, http.MethodGet, "/api/turnos?desde=2025-03-10&hasta=2025-03-10", nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	assert.Len(t, decodeBody[[]AppointmentResponse](t, list), 2)
}

func TestCreateValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/turnos", map[string]any{"paciente_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.book(t, "2025-03-10T11:00:00Z", "2025-03-10T10:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodGet, "/api/turnos/"+f.patient.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusChangeAndHistory(t *testing.T) {
	f := newAPIFixture(t)
	booked := f.bookOK(t, "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z", nil)
	base := "/api/turnos/" + booked.Turno.ID.String()

	resp := f.do(t, http.MethodPost, base+"/estado", map[string]any{"estado": "bogus"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_status", decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodPost, base+"/estado", map[string]any{
		"estado": "confirmado_clinica", "motivo": "llamada", "usuario_id": f.inactive.ID.String(),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, base+"/estado", map[string]any{
		"estado": "confirmado_clinica", "motivo": "llamada", "usuario_id": f.staff.ID.String(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmado_clinica", decodeBody[AppointmentResponse](t, resp).Estado)

	resp = f.do(t, http.MethodGet, base+"/historial", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[[]HistoryEntryResponse](t, resp)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	require.NotNil(t, last.ValorNuevo)
	assert.Equal(t, "confirmado_clinica", *last.ValorNuevo)
	require.NotNil(t, last.UsuarioNombre)
	assert.Equal(t, "Dra. Ruiz", *last.UsuarioNombre)

	resp = f.do(t, http.MethodGet, base+"/flujo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flow := decodeBody[[]FlowEntryResponse](t, resp)
	require.NotEmpty(t, flow)
	assert.Nil(t, flow[0].EstadoAnterior)
	assert.Equal(t, "reservado", flow[0].EstadoNuevo)
}

func TestPaymentAccumulation(t *testing.T) {
	f := newAPIFixture(t)
	booked := f.bookOK(t, "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z", map[string]any{"monto_total": 100})
	require.NotNil(t, booked.Pago)
	assert.Equal(t, "pendiente", booked.Pago.EstadoPago)
	path := "/api/turnos/" + booked.Turno.ID.String() + "/pago"

	resp := f.do(t, http.MethodPost, path, map[string]any{"monto": 40, "metodo_pago": "efectivo"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "parcial", decodeBody[PaymentResponse](t, resp).EstadoPago)

	resp = f.do(t, http.MethodPost, path, map[string]any{"monto": 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payment := decodeBody[PaymentResponse](t, resp)
	assert.Equal(t, "pagado", payment.EstadoPago)
	assert.InDelta(t, 100.0, payment.MontoPagado, 0.001)

	resp = f.do(t, http.MethodPost, path, map[string]any{"monto": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteCancelsAndFreesSlot(t *testing.T) {
	f := newAPIFixture(t)
	booked := f.bookOK(t, "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z", nil)

	slots := f.do(t, http.MethodGet, "/api/turnos/available-slots?fecha=2025-03-12", nil)
	require.Equal(t, http.StatusOK, slots.StatusCode)
	assert.Len(t, decodeBody[[]SlotResponse](t, slots), 8)

	resp := f.do(t, http.MethodDelete, "/api/turnos/"+booked.Turno.ID.String(), nil, "X-User-ID", f.staff.ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelado_consultorio", decodeBody[AppointmentResponse](t, resp).Estado)

	slots = f.do(t, http.MethodGet, "/api/turnos/available-slots?fecha=2025-03-12", nil)
	require.Equal(t, http.StatusOK, slots.StatusCode)
	free := decodeBody[[]SlotResponse](t, slots)
	assert.Len(t, free, 9)
	assert.Equal(t, "09:00", free[0].Hora)

	resp = f.do(t, http.MethodGet, "/api/turnos/available-slots?fecha=12-03-2025", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminReschedule(t *testing.T) {
	f := newAPIFixture(t)
	booked := f.bookOK(t, "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z", nil)

	resp := f.do(t, http.MethodPost, "/api/turnos/"+booked.Turno.ID.String()+"/reprogramar", map[string]any{
		"fecha_hora_inicio": "2025-03-13T15:00:00Z",
		"fecha_hora_fin":    "2025-03-13T16:00:00Z",
		"motivo":            "pedido del paciente",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody[RescheduleResponse](t, resp)
	assert.Equal(t, "reprogramado", out.Original.Estado)
	assert.Equal(t, "reservado", out.Nuevo.Estado)
	assert.Equal(t, booked.Turno.PacienteID, out.Nuevo.PacienteID)
	assert.Contains(t, out.Nuevo.Notas, booked.Turno.ID.String())
}

func TestPatientSelfService(t *testing.T) {
	f := newAPIFixture(t)
	booked := f.bookOK(t, "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z", nil)
	id := booked.Turno.ID.String()

	resp := f.do(t, http.MethodPost, "/api/turnos/confirm", map[string]any{"dni": "00000000", "turno_id": id})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "patient_not_found", decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodPost, "/api/turnos/confirm", map[string]any{"dni": f.other.DNI, "turno_id": id})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/turnos/confirm", map[string]any{"dni": f.patient.DNI, "turno_id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmado_paciente", decodeBody[AppointmentResponse](t, resp).Estado)

	resp = f.do(t, http.MethodGet, "/api/turnos/paciente?dni="+f.patient.DNI, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mine := decodeBody[PatientAppointmentsResponse](t, resp)
	assert.Equal(t, "Ana Pérez", mine.Paciente.Nombre)
	assert.Len(t, mine.Turnos, 1)

	resp = f.do(t, http.MethodPost, "/api/turnos/reschedule", map[string]any{
		"dni": f.patient.DNI, "turno_id": id,
		"fecha_hora_inicio": "2025-03-14T09:00:00Z", "fecha_hora_fin": "2025-03-14T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody[RescheduleResponse](t, resp)
	assert.Equal(t, "reprogramado_paciente", out.Original.Estado)

	resp = f.do(t, http.MethodPost, "/api/turnos/cancel", map[string]any{"dni": f.patient.DNI, "turno_id": out.Nuevo.ID.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelado_paciente", decodeBody[AppointmentResponse](t, resp).Estado)
}

func TestWhatsAppWebhook(t *testing.T) {
	f := newAPIFixture(t)
	booked := f.bookOK(t, "2025-03-10T10:00:00Z", "2025-03-10T11:00:00Z", nil)
	require.Equal(t, "sent", booked.Notificacion.Estado)

	resp := f.do(t, http.MethodGet, "/api/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var challenge bytes.Buffer
	_, _ = challenge.ReadFrom(resp.Body)
	assert.Equal(t, "42", challenge.String())

	payload := map[string]any{
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"value": map[string]any{
					"messages": []any{map[string]any{
						"from": "5491122334455", "id": "wamid.in.1", "type": "text",
						"text": map[string]any{"body": "Sí"},
					}},
					"statuses": []any{map[string]any{"id": "wamid.5491122334455", "status": "delivered"}},
				},
			}},
		}},
	}
	resp = f.do(t, http.MethodPost, "/api/webhooks/whatsapp", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decodeBody[webhookSummary](t, resp)
	assert.Equal(t, 1, summary.Messages)
	assert.Equal(t, 1, summary.Statuses)
	require.Len(t, summary.Replies, 1)
	assert.Equal(t, notify.ResponseConfirmed, summary.Replies[0].Response)
	assert.True(t, summary.Replies[0].StatusChanged)

	resp = f.do(t, http.MethodGet, "/api/turnos/"+booked.Turno.ID.String(), nil)
	assert.Equal(t, "confirmado_paciente", decodeBody[AppointmentResponse](t, resp).Estado)

	resp = f.do(t, http.MethodGet, "/api/turnos/"+booked.Turno.ID.String()+"/confirmaciones", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := decodeBody[[]notify.Confirmation](t, resp)
	require.Len(t, records, 1)
	assert.Equal(t, notify.ResponseConfirmed, records[0].ResponseStatus)
	assert.Equal(t, notify.DeliveryDelivered, records[0].DeliveryStatus)
}

func TestCronRequiresSecret(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/cron/whatsapp-confirmations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/cron/whatsapp-confirmations", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	f.bookOK(t, "2025-03-20T10:00:00Z", "2025-03-20T11:00:00Z", nil)
	resp = f.do(t, http.MethodGet, "/api/cron/whatsapp-confirmations", nil, "Authorization", "Bearer "+testCronSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[cronResponse](t, resp)
	assert.True(t, out.Success)
	// The booking is days away, so nothing is due yet.
	assert.Equal(t, 0, out.Claimed)
}

func TestSendWhatsApp(t *testing.T) {
	f := newAPIFixture(t)
	f.sender.failTo["5491100000000"] = errors.New("provider down")

	resp := f.do(t, http.MethodPost, "/api/send-whatsapp", map[string]any{
		"to": "+54 9 11 2233 4455", "message": "Hola {{nombre}}", "variables": map[string]string{"nombre": "Ana"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ok := decodeBody[SendWhatsAppResponse](t, resp)
	assert.True(t, ok.Success)
	assert.Equal(t, "wamid.5491122334455", ok.MessageID)

	resp = f.do(t, http.MethodPost, "/api/send-whatsapp", map[string]any{"to": "5491100000000", "message": "Hola"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	failed := decodeBody[SendWhatsAppResponse](t, resp)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "provider down")

	resp = f.do(t, http.MethodPost, "/api/send-whatsapp", map[string]any{"to": "abc", "message": "Hola"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendBulkWhatsApp(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/send-bulk-whatsapp", map[string]any{
		"recipients":           []string{"5491111111111", "not-a-phone", "5491122222222"},
		"message":              "Recordatorio",
		"delayBetweenMessages": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[notify.BulkResult](t, resp)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.Results[1].Success)

	resp = f.do(t, http.MethodPost, "/api/send-bulk-whatsapp", map[string]any{"recipients": []string{}, "message": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusesHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/estados", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	statuses := decodeBody[[]StatusResponse](t, resp)
	assert.Len(t, statuses, len(appointment.AllStatuses()))
	assert.Equal(t, "reservado", statuses[0].Valor)

	resp = f.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decodeBody[ReadinessResponse](t, resp)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "disabled", ready.Dependencies["postgres"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	f.bookOK(t, "2025-03-12T10:00:00Z", "2025-03-12T11:00:00Z", nil)
	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var text bytes.Buffer
	_, _ = text.ReadFrom(resp.Body)
	assert.True(t, strings.Contains(text.String(), `clinic_appointments_bookings_total{outcome="created"} 1`))
}
