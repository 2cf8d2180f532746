package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrTreatmentNotFound   = errors.New("treatment not found")
	ErrUserNotFound        = errors.New("system user not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
)

// NewAppointment is everything persisted atomically when a booking is made.
type NewAppointment struct {
	Appointment Appointment
	Payment     *Payment
	History     []HistoryEntry
	// Exclude is ignored by the overlap check (the original of a reschedule).
	Exclude *uuid.UUID
}

// Mutation edits a locked appointment in place and returns the audit rows to
// append alongside the write. Returning an error aborts the write.
type Mutation func(appt *Appointment) ([]HistoryEntry, error)

// PaymentMutation computes the next payment record from the current one
// (nil when none exists yet).
type PaymentMutation func(current *Payment) (Payment, error)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByDNI(ctx context.Context, dni string) (*Patient, error)
	GetTreatmentByID(ctx context.Context, id uuid.UUID) (*Treatment, error)
	GetSystemUser(ctx context.Context, id uuid.UUID) (*SystemUser, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// For conflict checks: non-cancelled appointments overlapping [start, end).
	FindOverlapping(ctx context.Context, start, end time.Time, exclude *uuid.UUID) ([]Appointment, error)

	// InsertIfFree re-checks the interval and inserts inside one critical
	// section. Returns *ConflictError when the interval is taken.
	InsertIfFree(ctx context.Context, in NewAppointment) (*Appointment, error)

	// MutateAppointment locks the row, applies fn and writes the result with
	// its audit rows. The interval is re-checked when checkOverlap is set or
	// when fn moves a cancelled appointment back to a live status.
	MutateAppointment(ctx context.Context, id uuid.UUID, checkOverlap bool, fn Mutation) (*Appointment, error)

	// ReplaceAppointment supersedes original with a new appointment in one
	// critical section.
	ReplaceAppointment(ctx context.Context, originalID uuid.UUID, fn Mutation, replacement NewAppointment) (original, created *Appointment, err error)

	AppendStatusFlow(ctx context.Context, entry FlowEntry) error
	ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error)
	ListStatusFlow(ctx context.Context, appointmentID uuid.UUID) ([]FlowEntry, error)

	GetPayment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error)
	UpsertPayment(ctx context.Context, appointmentID uuid.UUID, fn PaymentMutation) (*Payment, error)
}
