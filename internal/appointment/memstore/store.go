// Package memstore is an in-process appointment.Repository used by the memory
// storage backend and by tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
)

type Store struct {
	mu sync.Mutex

	patients     map[uuid.UUID]appointment.Patient
	treatments   map[uuid.UUID]appointment.Treatment
	users        map[uuid.UUID]appointment.SystemUser
	appointments map[uuid.UUID]appointment.Appointment
	payments     map[uuid.UUID]appointment.Payment
	history      []appointment.HistoryEntry
	flow         []appointment.FlowEntry

	nextHistoryID int64
	nextFlowID    int64
	now           func() time.Time
}

var _ appointment.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		patients:     make(map[uuid.UUID]appointment.Patient),
		treatments:   make(map[uuid.UUID]appointment.Treatment),
		users:        make(map[uuid.UUID]appointment.SystemUser),
		appointments: make(map[uuid.UUID]appointment.Appointment),
		payments:     make(map[uuid.UUID]appointment.Payment),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for audit timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Seed helpers

func (s *Store) AddPatient(p appointment.Patient) appointment.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.patients[p.ID] = p
	return p
}

func (s *Store) AddTreatment(t appointment.Treatment) appointment.Treatment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	s.treatments[t.ID] = t
	return t
}

func (s *Store) AddSystemUser(u appointment.SystemUser) appointment.SystemUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	s.users[u.ID] = u
	return u
}

// Patients returns every seeded patient; used by the confirmation store to
// match inbound phone numbers.
func (s *Store) Patients() []appointment.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appointment.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Lookups

func (s *Store) GetPatientByID(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return &p, nil
}

func (s *Store) GetPatientByDNI(_ context.Context, dni string) (*appointment.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.DNI == dni {
			out := p
			return &out, nil
		}
	}
	return nil, appointment.ErrPatientNotFound
}

func (s *Store) GetTreatmentByID(_ context.Context, id uuid.UUID) (*appointment.Treatment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.treatments[id]
	if !ok {
		return nil, appointment.ErrTreatmentNotFound
	}
	return &t, nil
}

func (s *Store) GetSystemUser(_ context.Context, id uuid.UUID) (*appointment.SystemUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, appointment.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (s *Store) ListAppointments(_ context.Context, f appointment.ListFilter) ([]appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []appointment.Appointment
	for _, a := range s.appointments {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.TreatmentID != nil && a.TreatmentID != *f.TreatmentID {
			continue
		}
		if f.From != nil && a.Start.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.Start.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Start.After(out[j].Start)
	})

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) FindOverlapping(_ context.Context, start, end time.Time, exclude *uuid.UUID) ([]appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlapping(start, end, exclude), nil
}

func (s *Store) overlapping(start, end time.Time, exclude *uuid.UUID) []appointment.Appointment {
	var out []appointment.Appointment
	for _, a := range s.appointments {
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if a.Occupies(start, end) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (s *Store) conflict(start, end time.Time, exclude *uuid.UUID) error {
	if hits := s.overlapping(start, end, exclude); len(hits) > 0 {
		return &appointment.ConflictError{Existing: hits[0]}
	}
	return nil
}

// Writes. Every write runs under the store mutex, which makes the overlap
// check and the insert one critical section.

func (s *Store) appendHistory(entries []appointment.HistoryEntry) {
	for _, e := range entries {
		s.nextHistoryID++
		e.ID = s.nextHistoryID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.history = append(s.history, e)
	}
}

func (s *Store) insert(in appointment.NewAppointment) *appointment.Appointment {
	a := in.Appointment
	s.appointments[a.ID] = a
	if in.Payment != nil {
		s.payments[a.ID] = *in.Payment
	}
	s.appendHistory(in.History)
	return &a
}

func (s *Store) InsertIfFree(_ context.Context, in appointment.NewAppointment) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := in.Appointment
	if err := s.conflict(a.Start, a.End, in.Exclude); err != nil {
		return nil, err
	}
	return s.insert(in), nil
}

func (s *Store) MutateAppointment(_ context.Context, id uuid.UUID, checkOverlap bool, fn appointment.Mutation) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	next := current
	entries, err := fn(&next)
	if err != nil {
		return nil, err
	}
	if appointment.NeedsOverlapCheck(checkOverlap, current.Status, next.Status) {
		if err := s.conflict(next.Start, next.End, &id); err != nil {
			return nil, err
		}
	}

	s.appointments[id] = next
	s.appendHistory(entries)
	return &next, nil
}

func (s *Store) ReplaceAppointment(_ context.Context, originalID uuid.UUID, fn appointment.Mutation, replacement appointment.NewAppointment) (*appointment.Appointment, *appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.appointments[originalID]
	if !ok {
		return nil, nil, appointment.ErrAppointmentNotFound
	}
	next := current
	entries, err := fn(&next)
	if err != nil {
		return nil, nil, err
	}
	succ := replacement.Appointment
	if err := s.conflict(succ.Start, succ.End, &originalID); err != nil {
		return nil, nil, err
	}

	s.appointments[originalID] = next
	s.appendHistory(entries)
	created := s.insert(replacement)
	return &next, created, nil
}

func (s *Store) AppendStatusFlow(_ context.Context, e appointment.FlowEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFlowID++
	e.ID = s.nextFlowID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.flow = append(s.flow, e)
	return nil
}

func (s *Store) ListHistory(_ context.Context, appointmentID uuid.UUID) ([]appointment.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []appointment.HistoryEntry
	for _, e := range s.history {
		if e.AppointmentID != appointmentID {
			continue
		}
		if e.Actor.UserID != nil {
			if u, ok := s.users[*e.Actor.UserID]; ok {
				name := u.Name
				e.ActorName = &name
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) ListStatusFlow(_ context.Context, appointmentID uuid.UUID) ([]appointment.FlowEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []appointment.FlowEntry
	for _, e := range s.flow {
		if e.AppointmentID == appointmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetPayment(_ context.Context, appointmentID uuid.UUID) (*appointment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[appointmentID]
	if !ok {
		return nil, appointment.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *Store) UpsertPayment(_ context.Context, appointmentID uuid.UUID, fn appointment.PaymentMutation) (*appointment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[appointmentID]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}

	var current *appointment.Payment
	if p, ok := s.payments[appointmentID]; ok {
		current = &p
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	next.AppointmentID = appointmentID
	s.payments[appointmentID] = next

	state := next.State
	appt.PaymentStatus = &state
	s.appointments[appointmentID] = appt
	return &next, nil
}
