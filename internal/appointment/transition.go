package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var errNoChange = errors.New("no change")

// Transition sets the status of one appointment and appends the audit entry.
// Re-applying the current status is accepted and still audited.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, actor Actor, reason string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointment.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.appointment_id", id.String()),
		attribute.String("clinic.status_to", string(to)),
	)

	_, updated, err := s.transitionIf(ctx, id, nil, to, actor, reason)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// transitionIf applies the transition only when allow accepts the current
// status; otherwise it returns changed=false and the untouched appointment.
func (s *Service) transitionIf(ctx context.Context, id uuid.UUID, allow func(Status) bool, to Status, actor Actor, reason string) (bool, *Appointment, error) {
	if !to.Valid() {
		return false, nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	var (
		from    Status
		updated *Appointment
	)
	write := func(ctx context.Context) error {
		var err error
		updated, err = s.repo.MutateAppointment(ctx, id, false, func(a *Appointment) ([]HistoryEntry, error) {
			from = a.Status
			if allow != nil && !allow(from) {
				return nil, errNoChange
			}
			if s.policy == PolicyStrict && !CanTransition(from, to) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
			}
			a.Status = to
			a.UpdatedAt = s.now()
			prev := from
			return []HistoryEntry{statusHistoryEntry(a.ID, &prev, to, actor, reason)}, nil
		})
		return err
	}

	var err error
	if to.IsCancelled() {
		err = write(ctx)
	} else {
		// A cancelled appointment coming back to life takes its slot again.
		current, getErr := s.repo.GetAppointmentByID(ctx, id)
		if getErr != nil {
			return false, nil, fmt.Errorf("load appointment: %w", getErr)
		}
		if current.Status.IsCancelled() {
			err = s.withAgendaLock(ctx, current.Start, current.End, write)
		} else {
			err = write(ctx)
		}
	}
	if errors.Is(err, errNoChange) {
		current, getErr := s.repo.GetAppointmentByID(ctx, id)
		if getErr != nil {
			return false, nil, fmt.Errorf("load appointment: %w", getErr)
		}
		return false, current, nil
	}
	if err != nil {
		return false, nil, err
	}

	s.metrics.ObserveTransition(string(to))
	s.appendFlow(ctx, id, &from, to, actor, reason)
	s.logger.Info("appointment status changed", "appointment_id", id, "from", from, "to", to, "actor", actor.Kind)
	return true, updated, nil
}

// Cancel is the soft delete used by the admin API.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	if reason == "" {
		reason = "cancelled by clinic"
	}
	return s.Transition(ctx, id, StatusCancelledByClinic, actor, reason)
}

// MarkConfirmationRequested moves a reserved appointment to
// confirmado_solicitado once a confirmation message went out.
func (s *Service) MarkConfirmationRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	changed, _, err := s.transitionIf(ctx, id, func(cur Status) bool {
		return cur == StatusReserved
	}, StatusConfirmationRequested, SystemActor(), "whatsapp confirmation sent")
	return changed, err
}

// ApplyPatientReply records a patient answer to a confirmation message.
// Appointments already closed or superseded are left untouched.
func (s *Service) ApplyPatientReply(ctx context.Context, id uuid.UUID, to Status, note string) (bool, error) {
	changed, _, err := s.transitionIf(ctx, id, func(cur Status) bool {
		return !cur.IsTerminal() && !cur.IsRescheduled()
	}, to, PatientActor(), note)
	return changed, err
}
