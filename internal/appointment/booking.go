package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// SideEffectStatus describes what happened to a best-effort follow-up of a
// successful primary operation.
type SideEffectStatus string

const (
	SideEffectSent    SideEffectStatus = "sent"
	SideEffectQueued  SideEffectStatus = "queued"
	SideEffectSkipped SideEffectStatus = "skipped"
	SideEffectFailed  SideEffectStatus = "failed"
)

// SideEffect is reported next to the primary result; a failed side effect
// never undoes the primary write.
type SideEffect struct {
	Status SideEffectStatus
	Err    error
}

// BookingNotice is what the notifier needs to message the patient.
type BookingNotice struct {
	Appointment Appointment
	Patient     Patient
	Treatment   Treatment
	Rescheduled bool
}

// Notifier sends (or queues) the confirmation request for a new booking.
type Notifier interface {
	NotifyBooked(ctx context.Context, notice BookingNotice) (SideEffectStatus, error)
}

type BookingRequest struct {
	PatientID          uuid.UUID
	TreatmentID        uuid.UUID
	Start              time.Time
	End                time.Time
	Notes              string
	CalendarID         *string
	PaymentAmountCents int64
	Actor              Actor
}

type BookingOutcome struct {
	Appointment  *Appointment
	Payment      *Payment
	Notification SideEffect
}

// CheckConflict returns the earliest non-cancelled appointment overlapping
// [start, end), or nil when the interval is free.
func (s *Service) CheckConflict(ctx context.Context, start, end time.Time, exclude *uuid.UUID) (*Appointment, error) {
	if !start.Before(end) {
		return nil, validationError("start must be before end")
	}
	existing, err := s.repo.FindOverlapping(ctx, start, end, exclude)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	return FirstConflict(existing, start, end, exclude), nil
}

// HasConflict is the boolean form of CheckConflict.
func (s *Service) HasConflict(ctx context.Context, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	conflict, err := s.CheckConflict(ctx, start, end, exclude)
	if err != nil {
		return false, err
	}
	return conflict != nil, nil
}

// CreateAppointment books a reserved appointment. The overlap check and the
// insert run under the agenda lock of the day so concurrent requests for the
// same interval cannot both succeed.
func (s *Service) CreateAppointment(ctx context.Context, req BookingRequest) (*BookingOutcome, error) {
	ctx, span := tracer.Start(ctx, "appointment.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.patient_id", req.PatientID.String()),
		attribute.String("clinic.treatment_id", req.TreatmentID.String()),
	)

	if req.PatientID == uuid.Nil {
		return nil, validationError("patient_id is required")
	}
	if req.TreatmentID == uuid.Nil {
		return nil, validationError("treatment_id is required")
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return nil, validationError("start and end are required")
	}
	if !req.Start.Before(req.End) {
		return nil, validationError("start must be before end")
	}
	if req.PaymentAmountCents < 0 {
		return nil, validationError("payment amount cannot be negative")
	}

	patient, err := s.repo.GetPatientByID(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	treatment, err := s.repo.GetTreatmentByID(ctx, req.TreatmentID)
	if err != nil {
		if errors.Is(err, ErrTreatmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load treatment: %w", err)
	}

	if conflict, err := s.CheckConflict(ctx, req.Start, req.End, nil); err != nil {
		return nil, err
	} else if conflict != nil {
		s.metrics.ObserveBooking("conflict")
		return nil, &ConflictError{Existing: *conflict}
	}

	now := s.now()
	actor := req.Actor
	if actor.Kind == "" {
		actor = SystemActor()
	}

	appt := Appointment{
		ID:          uuid.New(),
		PatientID:   patient.ID,
		TreatmentID: treatment.ID,
		Start:       req.Start.UTC(),
		End:         req.End.UTC(),
		Status:      StatusReserved,
		CalendarID:  req.CalendarID,
		Notes:       req.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var payment *Payment
	if req.PaymentAmountCents > 0 {
		state := PaymentPending
		appt.PaymentStatus = &state
		payment = &Payment{
			AppointmentID:  appt.ID,
			AmountDueCents: req.PaymentAmountCents,
			State:          PaymentPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	in := NewAppointment{
		Appointment: appt,
		Payment:     payment,
		History:     []HistoryEntry{statusHistoryEntry(appt.ID, nil, StatusReserved, actor, "created")},
	}

	var created *Appointment
	err = s.withAgendaLock(ctx, appt.Start, appt.End, func(lockCtx context.Context) error {
		a, err := s.repo.InsertIfFree(lockCtx, in)
		if err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrAgendaBusy) {
			s.metrics.ObserveBooking("conflict")
			return nil, err
		}
		s.metrics.ObserveBooking("error")
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.metrics.ObserveBooking("created")
	s.appendFlow(ctx, created.ID, nil, StatusReserved, actor, "created")
	s.logger.Info("appointment created",
		"appointment_id", created.ID,
		"patient_id", created.PatientID,
		"start", created.Start,
		"end", created.End,
	)

	outcome := &BookingOutcome{Appointment: created, Payment: payment}
	outcome.Notification = s.notify(ctx, BookingNotice{
		Appointment: *created,
		Patient:     *patient,
		Treatment:   *treatment,
	})
	return outcome, nil
}

func (s *Service) notify(ctx context.Context, notice BookingNotice) SideEffect {
	if s.notifier == nil {
		return SideEffect{Status: SideEffectSkipped}
	}
	status, err := s.notifier.NotifyBooked(ctx, notice)
	if err != nil {
		s.logger.Warn("booking notification failed",
			"appointment_id", notice.Appointment.ID,
			"patient_id", notice.Patient.ID,
			"error", err,
		)
		return SideEffect{Status: SideEffectFailed, Err: err}
	}
	return SideEffect{Status: status}
}
