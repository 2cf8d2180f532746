package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpdateRequest carries the fields an admin may change; nil means unchanged.
type UpdateRequest struct {
	Start       *time.Time
	End         *time.Time
	TreatmentID *uuid.UUID
	Status      *Status
	Notes       *string
	Reason      string
}

// Update applies a direct edit. Changes to status, start, end and treatment
// are audited. Moving a live appointment without an explicit status resets it
// to reservado so the confirmation workflow starts over.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest, actor Actor) (*Appointment, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *req.Status)
	}
	if req.TreatmentID != nil {
		if _, err := s.repo.GetTreatmentByID(ctx, *req.TreatmentID); err != nil {
			if errors.Is(err, ErrTreatmentNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("load treatment: %w", err)
		}
	}

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	start, end := current.Start, current.End
	if req.Start != nil {
		start = req.Start.UTC()
	}
	if req.End != nil {
		end = req.End.UTC()
	}
	if !start.Before(end) {
		return nil, validationError("start must be before end")
	}
	moved := !start.Equal(current.Start) || !end.Equal(current.End)

	reason := req.Reason
	if reason == "" {
		reason = "updated"
	}

	var (
		statusFrom    Status
		statusChanged bool
		statusTo      Status
	)
	mutate := func(a *Appointment) ([]HistoryEntry, error) {
		var entries []HistoryEntry
		now := s.now()

		if !start.Equal(a.Start) {
			entries = append(entries, fieldEntry(a.ID, FieldStart, a.Start.Format(time.RFC3339), start.Format(time.RFC3339), actor, reason))
			a.Start = start
		}
		if !end.Equal(a.End) {
			entries = append(entries, fieldEntry(a.ID, FieldEnd, a.End.Format(time.RFC3339), end.Format(time.RFC3339), actor, reason))
			a.End = end
		}
		if req.TreatmentID != nil && *req.TreatmentID != a.TreatmentID {
			entries = append(entries, fieldEntry(a.ID, FieldTreatment, a.TreatmentID.String(), req.TreatmentID.String(), actor, reason))
			a.TreatmentID = *req.TreatmentID
		}
		if req.Notes != nil {
			a.Notes = *req.Notes
		}

		next := a.Status
		statusReason := reason
		switch {
		case req.Status != nil:
			next = *req.Status
		case moved && !a.Status.IsTerminal() && a.Status != StatusReserved:
			next = StatusReserved
			statusReason = "rescheduled by direct edit, confirmation restarts"
		}
		if req.Status != nil || next != a.Status {
			if s.policy == PolicyStrict && !CanTransition(a.Status, next) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.Status, next)
			}
			prev := a.Status
			entries = append(entries, statusHistoryEntry(a.ID, &prev, next, actor, statusReason))
			statusFrom, statusTo, statusChanged = prev, next, true
			a.Status = next
		}

		a.UpdatedAt = now
		return entries, nil
	}

	write := func(ctx context.Context) error {
		updated, err := s.repo.MutateAppointment(ctx, id, moved, mutate)
		if err != nil {
			return err
		}
		current = updated
		return nil
	}

	revived := req.Status != nil && current.Status.IsCancelled() && !req.Status.IsCancelled()
	if moved || revived {
		err = s.withAgendaLock(ctx, start, end, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrAgendaBusy) ||
			errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	if statusChanged {
		s.metrics.ObserveTransition(string(statusTo))
		s.appendFlow(ctx, id, &statusFrom, statusTo, actor, reason)
	}
	return current, nil
}
