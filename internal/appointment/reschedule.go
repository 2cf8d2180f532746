package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type RescheduleOutcome struct {
	Original     *Appointment
	Created      *Appointment
	Notification SideEffect
}

// Reschedule supersedes an appointment with a new reserved one at
// [newStart, newEnd). The original keeps its row and moves to reprogramado
// (reprogramado_paciente for patient actors), so the confirmation workflow
// restarts on the successor.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart, newEnd time.Time, actor Actor, reason string) (*RescheduleOutcome, error) {
	ctx, span := tracer.Start(ctx, "appointment.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id.String()))

	if newStart.IsZero() || newEnd.IsZero() {
		return nil, validationError("start and end are required")
	}
	if !newStart.Before(newEnd) {
		return nil, validationError("start must be before end")
	}

	original, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if err := reschedulable(original.Status); err != nil {
		return nil, err
	}

	if conflict, err := s.CheckConflict(ctx, newStart, newEnd, &id); err != nil {
		return nil, err
	} else if conflict != nil {
		return nil, &ConflictError{Existing: *conflict}
	}

	target := StatusRescheduled
	if actor.Kind == ActorPatient {
		target = StatusRescheduledByPatient
	}
	if reason == "" {
		reason = "rescheduled"
	}

	now := s.now()
	successor := Appointment{
		ID:          uuid.New(),
		PatientID:   original.PatientID,
		TreatmentID: original.TreatmentID,
		Start:       newStart.UTC(),
		End:         newEnd.UTC(),
		Status:      StatusReserved,
		CalendarID:  original.CalendarID,
		Notes:       fmt.Sprintf("Reprogramado desde turno %s", id),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	replacement := NewAppointment{
		Appointment: successor,
		History: []HistoryEntry{
			statusHistoryEntry(successor.ID, nil, StatusReserved, actor, fmt.Sprintf("rescheduled from %s", id)),
		},
		Exclude: &id,
	}

	var from Status
	supersede := func(a *Appointment) ([]HistoryEntry, error) {
		if err := reschedulable(a.Status); err != nil {
			return nil, err
		}
		if s.policy == PolicyStrict && !CanTransition(a.Status, target) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.Status, target)
		}
		from = a.Status
		a.Status = target
		a.UpdatedAt = now
		prev := from
		return []HistoryEntry{
			statusHistoryEntry(a.ID, &prev, target, actor, fmt.Sprintf("%s (new turno %s)", reason, successor.ID)),
		}, nil
	}

	var updated, created *Appointment
	err = s.withAgendaLock(ctx, successor.Start, successor.End, func(lockCtx context.Context) error {
		o, c, err := s.repo.ReplaceAppointment(lockCtx, id, supersede, replacement)
		if err != nil {
			return err
		}
		updated, created = o, c
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrAgendaBusy) || errors.Is(err, ErrIllegalTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}

	s.metrics.ObserveTransition(string(target))
	s.metrics.ObserveBooking("rescheduled")
	s.appendFlow(ctx, updated.ID, &from, target, actor, reason)
	s.appendFlow(ctx, created.ID, nil, StatusReserved, actor, fmt.Sprintf("rescheduled from %s", id))
	s.logger.Info("appointment rescheduled", "appointment_id", id, "successor_id", created.ID, "status", target)

	outcome := &RescheduleOutcome{Original: updated, Created: created}
	outcome.Notification = s.notifyRescheduled(ctx, created)
	return outcome, nil
}

func reschedulable(st Status) error {
	if st.IsTerminal() || st.IsRescheduled() {
		return fmt.Errorf("%w: appointment in %s cannot be rescheduled", ErrIllegalTransition, st)
	}
	return nil
}

func (s *Service) notifyRescheduled(ctx context.Context, created *Appointment) SideEffect {
	if s.notifier == nil {
		return SideEffect{Status: SideEffectSkipped}
	}
	patient, err := s.repo.GetPatientByID(ctx, created.PatientID)
	if err != nil {
		return SideEffect{Status: SideEffectFailed, Err: fmt.Errorf("load patient: %w", err)}
	}
	treatment, err := s.repo.GetTreatmentByID(ctx, created.TreatmentID)
	if err != nil {
		return SideEffect{Status: SideEffectFailed, Err: fmt.Errorf("load treatment: %w", err)}
	}
	return s.notify(ctx, BookingNotice{
		Appointment: *created,
		Patient:     *patient,
		Treatment:   *treatment,
		Rescheduled: true,
	})
}
