package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

// AppointmentService is the part of *appointment.Service the handlers use.
type AppointmentService interface {
	ResolveStaff(ctx context.Context, userID uuid.UUID) (appointment.Actor, error)

	ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	CreateAppointment(ctx context.Context, req appointment.BookingRequest) (*appointment.BookingOutcome, error)
	Update(ctx context.Context, id uuid.UUID, req appointment.UpdateRequest, actor appointment.Actor) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, actor appointment.Actor, reason string) (*appointment.Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, to appointment.Status, actor appointment.Actor, reason string) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time, actor appointment.Actor, reason string) (*appointment.RescheduleOutcome, error)

	RegisterPayment(ctx context.Context, id uuid.UUID, amountCents int64, method, notes string) (*appointment.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*appointment.Payment, error)
	History(ctx context.Context, id uuid.UUID) ([]appointment.HistoryEntry, error)
	StatusFlow(ctx context.Context, id uuid.UUID) ([]appointment.FlowEntry, error)

	PatientAppointments(ctx context.Context, dni string) (*appointment.Patient, []appointment.Appointment, error)
	PatientCancel(ctx context.Context, dni string, id uuid.UUID, reason string) (*appointment.Appointment, error)
	PatientConfirm(ctx context.Context, dni string, id uuid.UUID) (*appointment.Appointment, error)
	PatientReschedule(ctx context.Context, dni string, id uuid.UUID, newStart, newEnd time.Time, reason string) (*appointment.RescheduleOutcome, error)

	AvailableSlots(ctx context.Context, day time.Time) ([]appointment.Slot, error)
	AvailableSlotsWithStep(ctx context.Context, day time.Time, step time.Duration) ([]appointment.Slot, error)
	ParseDay(raw string) (time.Time, error)
}

// ConfirmationService drives the WhatsApp confirmation workflow.
type ConfirmationService interface {
	DispatchDue(ctx context.Context, limit int) (notify.DispatchReport, error)
	HandleReply(ctx context.Context, from, text string) (notify.ReplyOutcome, error)
	HandleDeliveryStatus(ctx context.Context, providerMessageID, status string) error
	Confirmations(ctx context.Context, appointmentID uuid.UUID) ([]notify.Confirmation, error)
}

// Messenger sends ad-hoc WhatsApp messages.
type Messenger interface {
	SendOne(ctx context.Context, phone, message string) (notify.SendResult, error)
	SendBulk(ctx context.Context, recipients []string, message string, delay time.Duration) notify.BulkResult
}

type RouterConfig struct {
	Appointments  AppointmentService
	Confirmations ConfirmationService
	Messenger     Messenger
	StripeWebhook http.HandlerFunc
	Metrics       http.Handler
	Logger        *logging.Logger

	PgPool  Pinger
	Redis   *redis.Client
	Storage string
	Env     string
	Version string

	CronSecret          string
	WhatsAppVerifyToken string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Storage, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	svc := cfg.Appointments
	r.Route("/api", func(r chi.Router) {
		r.Get("/estados", statusesHandler())

		r.Route("/turnos", func(r chi.Router) {
			r.Get("/", listAppointmentsHandler(svc))
			r.Post("/", createAppointmentHandler(svc))

			// Patient self-service, scoped by DNI.
			r.Get("/paciente", patientAppointmentsHandler(svc))
			r.Post("/cancel", patientCancelHandler(svc))
			r.Post("/confirm", patientConfirmHandler(svc))
			r.Post("/reschedule", patientRescheduleHandler(svc))
			r.Get("/available-slots", availableSlotsHandler(svc))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", getAppointmentHandler(svc))
				r.Put("/", updateAppointmentHandler(svc))
				r.Delete("/", cancelAppointmentHandler(svc))
				r.Post("/estado", changeStatusHandler(svc))
				r.Get("/pago", getPaymentHandler(svc))
				r.Post("/pago", registerPaymentHandler(svc))
				r.Get("/historial", historyHandler(svc))
				r.Get("/flujo", statusFlowHandler(svc))
				r.Post("/reprogramar", rescheduleHandler(svc))
				if cfg.Confirmations != nil {
					r.Get("/confirmaciones", confirmationsHandler(svc, cfg.Confirmations))
				}
			})
		})

		if cfg.Messenger != nil {
			r.Post("/send-whatsapp", sendWhatsAppHandler(cfg.Messenger))
			r.Post("/send-bulk-whatsapp", sendBulkWhatsAppHandler(cfg.Messenger))
		}
		if cfg.Confirmations != nil {
			r.Get("/webhooks/whatsapp", whatsappVerifyHandler(cfg.WhatsAppVerifyToken))
			r.Post("/webhooks/whatsapp", whatsappWebhookHandler(cfg.Confirmations))
			r.Get("/cron/whatsapp-confirmations", cronConfirmationsHandler(cfg.Confirmations, cfg.CronSecret))
		}
		if cfg.StripeWebhook != nil {
			r.Post("/webhook/stripe", cfg.StripeWebhook)
		}
	})

	return r
}
