package appointment

import (
	"time"

	"github.com/google/uuid"
)

// ActorKind tells who initiated a change.
type ActorKind string

const (
	ActorSystem  ActorKind = "system"
	ActorStaff   ActorKind = "staff"
	ActorPatient ActorKind = "patient"
)

// Actor is the authenticated identity passed explicitly through every
// mutating call. UserID is set only for staff.
type Actor struct {
	Kind   ActorKind
	UserID *uuid.UUID
}

func SystemActor() Actor { return Actor{Kind: ActorSystem} }

func PatientActor() Actor { return Actor{Kind: ActorPatient} }

func StaffActor(userID uuid.UUID) Actor {
	id := userID
	return Actor{Kind: ActorStaff, UserID: &id}
}

type PaymentState string

const (
	PaymentPending PaymentState = "pendiente"
	PaymentPartial PaymentState = "parcial"
	PaymentPaid    PaymentState = "pagado"
)

type Patient struct {
	ID        uuid.UUID
	DNI       string
	Name      string
	Phone     *string
	Email     *string
	CreatedAt time.Time
}

type Treatment struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int
	PriceCents      int64
}

type SystemUser struct {
	ID     uuid.UUID
	Name   string
	Email  string
	Role   string
	Active bool
}

type Appointment struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	TreatmentID   uuid.UUID
	Start         time.Time
	End           time.Time
	Status        Status
	PaymentStatus *PaymentState
	CalendarID    *string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Occupies reports whether the appointment blocks [start, end).
func (a Appointment) Occupies(start, end time.Time) bool {
	return !a.Status.IsCancelled() && Overlaps(a.Start, a.End, start, end)
}

// History fields audited on updates.
const (
	FieldStatus    = "status"
	FieldStart     = "start"
	FieldEnd       = "end"
	FieldTreatment = "treatment"
	FieldNotes     = "notes"
)

// HistoryEntry is an append-only audit row. Entries with Field == FieldStatus
// form the status history chain of an appointment.
type HistoryEntry struct {
	ID            int64
	AppointmentID uuid.UUID
	Field         string
	OldValue      *string
	NewValue      *string
	Actor         Actor
	ActorName     *string
	Reason        string
	CreatedAt     time.Time
}

// StatusChange is the status view of a HistoryEntry.
type StatusChange struct {
	AppointmentID uuid.UUID
	From          *Status
	To            Status
	Actor         Actor
	Reason        string
	At            time.Time
}

// FlowEntry is one row of the timeline rendered by the admin UI.
type FlowEntry struct {
	ID            int64
	AppointmentID uuid.UUID
	From          *Status
	To            Status
	Actor         Actor
	Note          string
	CreatedAt     time.Time
}

type Payment struct {
	AppointmentID   uuid.UUID
	AmountDueCents  int64
	AmountPaidCents int64
	State           PaymentState
	Method          string
	LastPaidAt      *time.Time
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PaymentStateFor derives the payment state from the running totals.
func PaymentStateFor(dueCents, paidCents int64) PaymentState {
	switch {
	case paidCents >= dueCents && paidCents > 0:
		return PaymentPaid
	case paidCents > 0:
		return PaymentPartial
	default:
		return PaymentPending
	}
}

type ListFilter struct {
	Status      *Status
	PatientID   *uuid.UUID
	TreatmentID *uuid.UUID
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

func statusHistoryEntry(id uuid.UUID, from *Status, to Status, actor Actor, reason string) HistoryEntry {
	var old *string
	if from != nil {
		v := string(*from)
		old = &v
	}
	next := string(to)
	return HistoryEntry{
		AppointmentID: id,
		Field:         FieldStatus,
		OldValue:      old,
		NewValue:      &next,
		Actor:         actor,
		Reason:        reason,
	}
}

func fieldEntry(id uuid.UUID, field, oldValue, newValue string, actor Actor, reason string) HistoryEntry {
	o, n := oldValue, newValue
	return HistoryEntry{
		AppointmentID: id,
		Field:         field,
		OldValue:      &o,
		NewValue:      &n,
		Actor:         actor,
		Reason:        reason,
	}
}

// StatusChanges extracts the status chain from audit entries, keeping order.
func StatusChanges(entries []HistoryEntry) []StatusChange {
	var out []StatusChange
	for _, e := range entries {
		if e.Field != FieldStatus || e.NewValue == nil {
			continue
		}
		change := StatusChange{
			AppointmentID: e.AppointmentID,
			To:            Status(*e.NewValue),
			Actor:         e.Actor,
			Reason:        e.Reason,
			At:            e.CreatedAt,
		}
		if e.OldValue != nil {
			from := Status(*e.OldValue)
			change.From = &from
		}
		out = append(out, change)
	}
	return out
}
