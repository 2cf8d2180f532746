package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/observability/metrics"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

// Appointments is the slice of the appointment service the confirmation
// workflow drives.
type Appointments interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	MarkConfirmationRequested(ctx context.Context, id uuid.UUID) (bool, error)
	ApplyPatientReply(ctx context.Context, id uuid.UUID, to appointment.Status, note string) (bool, error)
}

// ConfirmationService schedules confirmation messages for bookings, sends
// them when due and applies patient replies.
type ConfirmationService struct {
	store      ConfirmationStore
	dispatcher *Dispatcher
	apps       Appointments
	lead       time.Duration
	loc        *time.Location
	logger     *logging.Logger
	metrics    *metrics.MessagingMetrics
	now        func() time.Time
}

type ConfirmationOption func(*ConfirmationService)

func WithLead(d time.Duration) ConfirmationOption {
	return func(s *ConfirmationService) {
		if d >= 0 {
			s.lead = d
		}
	}
}

func WithLocation(loc *time.Location) ConfirmationOption {
	return func(s *ConfirmationService) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithConfirmationLogger(l *logging.Logger) ConfirmationOption {
	return func(s *ConfirmationService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithConfirmationMetrics(m *metrics.MessagingMetrics) ConfirmationOption {
	return func(s *ConfirmationService) { s.metrics = m }
}

func WithConfirmationClock(now func() time.Time) ConfirmationOption {
	return func(s *ConfirmationService) { s.now = now }
}

func NewConfirmationService(store ConfirmationStore, dispatcher *Dispatcher, opts ...ConfirmationOption) *ConfirmationService {
	s := &ConfirmationService{
		store:      store,
		dispatcher: dispatcher,
		lead:       24 * time.Hour,
		loc:        time.UTC,
		logger:     logging.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind wires the appointment service. The two services reference each other,
// so this happens after both are built.
func (s *ConfirmationService) Bind(apps Appointments) {
	s.apps = apps
}

var _ appointment.Notifier = (*ConfirmationService)(nil)

// NotifyBooked stores a confirmation for the booking, scheduled lead before
// the start (or now when that is already past), and sends it right away when
// it is due.
func (s *ConfirmationService) NotifyBooked(ctx context.Context, notice appointment.BookingNotice) (appointment.SideEffectStatus, error) {
	if notice.Patient.Phone == nil || strings.TrimSpace(*notice.Patient.Phone) == "" {
		return appointment.SideEffectSkipped, nil
	}
	phone, err := NormalizePhone(*notice.Patient.Phone)
	if err != nil {
		return appointment.SideEffectFailed, err
	}

	tmpl := BookingTemplate
	if notice.Rescheduled {
		tmpl = RescheduleTemplate
	}
	message := Render(tmpl, AppointmentVars(notice.Patient.Name, notice.Treatment.Name, notice.Appointment.Start, s.loc))

	now := s.now()
	scheduled := notice.Appointment.Start.Add(-s.lead)
	if scheduled.Before(now) {
		scheduled = now
	}

	c, err := s.store.Create(ctx, Confirmation{
		AppointmentID: notice.Appointment.ID,
		Phone:         phone,
		Message:       message,
		ScheduledFor:  scheduled,
		CreatedAt:     now,
	})
	if err != nil {
		return appointment.SideEffectFailed, fmt.Errorf("store confirmation: %w", err)
	}

	if scheduled.After(now) {
		s.logger.Info("confirmation queued", "appointment_id", c.AppointmentID, "scheduled_for", scheduled)
		return appointment.SideEffectQueued, nil
	}

	claimed, err := s.store.Claim(ctx, c.ID)
	if errors.Is(err, ErrConfirmationNotFound) {
		// A concurrent dispatcher run took it.
		return appointment.SideEffectQueued, nil
	}
	if err != nil {
		return appointment.SideEffectFailed, fmt.Errorf("claim confirmation: %w", err)
	}
	if err := s.send(ctx, *claimed); err != nil {
		return appointment.SideEffectFailed, err
	}
	return appointment.SideEffectSent, nil
}

func (s *ConfirmationService) send(ctx context.Context, c Confirmation) error {
	res, err := s.dispatcher.SendOne(ctx, c.Phone, c.Message)
	if err != nil {
		if markErr := s.store.MarkFailed(ctx, c.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark confirmation failed", "confirmation_id", c.ID, "error", markErr)
		}
		return fmt.Errorf("send confirmation: %w", err)
	}
	if err := s.store.MarkSent(ctx, c.ID, res.MessageID, s.now()); err != nil {
		return fmt.Errorf("mark confirmation sent: %w", err)
	}
	if s.apps != nil {
		if _, err := s.apps.MarkConfirmationRequested(ctx, c.AppointmentID); err != nil {
			s.logger.Warn("failed to mark confirmation requested", "appointment_id", c.AppointmentID, "error", err)
		}
	}
	s.logger.Info("confirmation sent", "appointment_id", c.AppointmentID, "provider_message_id", res.MessageID)
	return nil
}

// DispatchReport summarizes one DispatchDue run.
type DispatchReport struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// DispatchDue sends up to limit confirmations whose time has come. Records for
// appointments that were cancelled, closed or rescheduled in the meantime are
// skipped.
func (s *ConfirmationService) DispatchDue(ctx context.Context, limit int) (DispatchReport, error) {
	if limit <= 0 {
		limit = 50
	}
	claimed, err := s.store.ClaimDue(ctx, s.now(), limit)
	if err != nil {
		return DispatchReport{}, fmt.Errorf("claim due confirmations: %w", err)
	}

	report := DispatchReport{Claimed: len(claimed)}
	for i, c := range claimed {
		if ctx.Err() != nil {
			s.release(ctx, claimed[i:])
			return report, ctx.Err()
		}
		if s.apps != nil {
			appt, err := s.apps.GetAppointment(ctx, c.AppointmentID)
			if err == nil && (appt.Status.IsTerminal() || appt.Status.IsRescheduled()) {
				if err := s.store.MarkSkipped(ctx, c.ID, "appointment is "+string(appt.Status)); err != nil {
					s.logger.Error("failed to skip confirmation", "confirmation_id", c.ID, "error", err)
				}
				report.Skipped++
				continue
			}
		}
		if err := s.send(ctx, c); err != nil {
			s.logger.Warn("confirmation send failed", "confirmation_id", c.ID, "error", err)
			report.Failed++
			continue
		}
		report.Sent++
	}
	return report, nil
}

// release hands unattempted claims back so the next run picks them up.
func (s *ConfirmationService) release(ctx context.Context, rest []Confirmation) {
	ids := make([]uuid.UUID, 0, len(rest))
	for _, c := range rest {
		ids = append(ids, c.ID)
	}
	if err := s.store.Release(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Error("failed to release confirmations", "count", len(ids), "error", err)
		return
	}
	s.logger.Info("released unsent confirmations", "count", len(ids))
}

// ReplyOutcome tells the webhook what an inbound message did.
type ReplyOutcome struct {
	Response      ResponseStatus `json:"response"`
	Matched       bool           `json:"matched"`
	AppointmentID *uuid.UUID     `json:"turno_id,omitempty"`
	StatusChanged bool           `json:"status_changed"`
}

// HandleReply classifies an inbound message and applies it to the most recent
// unanswered confirmation sent to that phone. Unrecognized text leaves
// everything untouched.
func (s *ConfirmationService) HandleReply(ctx context.Context, from, text string) (ReplyOutcome, error) {
	response := ClassifyReply(text)
	s.metrics.ObserveReply(string(response))
	out := ReplyOutcome{Response: response}
	if response == ResponseNone {
		return out, nil
	}

	phone, err := NormalizePhone(from)
	if err != nil {
		return out, err
	}
	c, err := s.store.FindAwaitingReply(ctx, phone)
	if errors.Is(err, ErrConfirmationNotFound) {
		s.logger.Info("reply without pending confirmation", "phone", phone, "response", response)
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("find confirmation: %w", err)
	}

	out.Matched = true
	id := c.AppointmentID
	out.AppointmentID = &id

	if err := s.store.RecordResponse(ctx, c.ID, response, text, s.now()); err != nil {
		return out, fmt.Errorf("record response: %w", err)
	}

	var target appointment.Status
	switch response {
	case ResponseConfirmed:
		target = appointment.StatusConfirmedByPatient
	case ResponseCancelled:
		target = appointment.StatusCancelledByPatient
	default:
		// Reschedule requests are handled by staff.
		s.logger.Info("patient asked to reschedule", "appointment_id", id)
		return out, nil
	}
	if s.apps == nil {
		return out, nil
	}

	changed, err := s.apps.ApplyPatientReply(ctx, id, target, "whatsapp reply: "+text)
	if err != nil {
		return out, fmt.Errorf("apply reply: %w", err)
	}
	out.StatusChanged = changed
	return out, nil
}

// HandleDeliveryStatus records a provider delivery receipt.
func (s *ConfirmationService) HandleDeliveryStatus(ctx context.Context, providerMessageID, status string) error {
	var st DeliveryStatus
	switch strings.ToLower(status) {
	case "sent":
		st = DeliverySent
	case "delivered":
		st = DeliveryDelivered
	case "read":
		st = DeliveryRead
	case "failed":
		st = DeliveryFailed
	default:
		return nil
	}
	err := s.store.UpdateDelivery(ctx, providerMessageID, st)
	if errors.Is(err, ErrConfirmationNotFound) {
		// Receipts for bulk or ad-hoc messages have no confirmation row.
		return nil
	}
	return err
}

// Confirmations lists the confirmation records of one appointment.
func (s *ConfirmationService) Confirmations(ctx context.Context, appointmentID uuid.UUID) ([]Confirmation, error) {
	return s.store.ListByAppointment(ctx, appointmentID)
}
