package appointment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ownedBy resolves the patient by DNI and checks the appointment is theirs.
func (s *Service) ownedBy(ctx context.Context, dni string, id uuid.UUID) (*Appointment, error) {
	dni = strings.TrimSpace(dni)
	if dni == "" {
		return nil, validationError("dni is required")
	}
	patient, err := s.repo.GetPatientByDNI(ctx, dni)
	if err != nil {
		return nil, err
	}
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.PatientID != patient.ID {
		return nil, ErrNotOwner
	}
	if appt.Status.IsTerminal() || appt.Status.IsRescheduled() {
		return nil, fmt.Errorf("%w: appointment is %s", ErrIllegalTransition, appt.Status)
	}
	return appt, nil
}

// PatientAppointments lists the appointments of the patient owning dni.
func (s *Service) PatientAppointments(ctx context.Context, dni string) (*Patient, []Appointment, error) {
	dni = strings.TrimSpace(dni)
	if dni == "" {
		return nil, nil, validationError("dni is required")
	}
	patient, err := s.repo.GetPatientByDNI(ctx, dni)
	if err != nil {
		return nil, nil, err
	}
	appts, err := s.ListAppointments(ctx, ListFilter{PatientID: &patient.ID, Limit: 100})
	if err != nil {
		return nil, nil, err
	}
	return patient, appts, nil
}

func (s *Service) PatientCancel(ctx context.Context, dni string, id uuid.UUID, reason string) (*Appointment, error) {
	if _, err := s.ownedBy(ctx, dni, id); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by patient"
	}
	return s.Transition(ctx, id, StatusCancelledByPatient, PatientActor(), reason)
}

func (s *Service) PatientConfirm(ctx context.Context, dni string, id uuid.UUID) (*Appointment, error) {
	if _, err := s.ownedBy(ctx, dni, id); err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, StatusConfirmedByPatient, PatientActor(), "confirmed by patient")
}

func (s *Service) PatientReschedule(ctx context.Context, dni string, id uuid.UUID, newStart, newEnd time.Time, reason string) (*RescheduleOutcome, error) {
	if _, err := s.ownedBy(ctx, dni, id); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rescheduled by patient"
	}
	return s.Reschedule(ctx, id, newStart, newEnd, PatientActor(), reason)
}
