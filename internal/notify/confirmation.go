package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// awaitsReply reports statuses after which a patient may answer.
func (s DeliveryStatus) awaitsReply() bool {
	return s == DeliverySent || s == DeliveryDelivered || s == DeliveryRead
}

// ClaimLease is how long a record may sit in sending before another
// dispatcher run takes it over.
const ClaimLease = 10 * time.Minute

// replaceable lists the statuses a delivery receipt may overwrite. Receipts
// arrive out of order, so a record never moves back.
func (s DeliveryStatus) replaceable() []DeliveryStatus {
	switch s {
	case DeliverySent:
		return []DeliveryStatus{DeliveryPending, DeliverySending}
	case DeliveryDelivered:
		return []DeliveryStatus{DeliveryPending, DeliverySending, DeliverySent, DeliveryFailed}
	case DeliveryRead:
		return []DeliveryStatus{DeliveryPending, DeliverySending, DeliverySent, DeliveryFailed, DeliveryDelivered}
	case DeliveryFailed:
		return []DeliveryStatus{DeliveryPending, DeliverySending, DeliverySent}
	default:
		return nil
	}
}

func (s DeliveryStatus) canReplace(current DeliveryStatus) bool {
	for _, st := range s.replaceable() {
		if st == current {
			return true
		}
	}
	return false
}

var ErrConfirmationNotFound = errors.New("notify: confirmation not found")

// Confirmation is one scheduled confirmation message and the patient's answer.
type Confirmation struct {
	ID                uuid.UUID      `json:"id"`
	AppointmentID     uuid.UUID      `json:"turno_id"`
	Phone             string         `json:"phone"`
	Message           string         `json:"message"`
	ScheduledFor      time.Time      `json:"scheduled_for"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	ResponseStatus    ResponseStatus `json:"response_status"`
	ResponseContent   *string        `json:"response_content,omitempty"`
	RespondedAt       *time.Time     `json:"responded_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ConfirmationStore persists confirmation records.
type ConfirmationStore interface {
	Create(ctx context.Context, c Confirmation) (*Confirmation, error)
	// ClaimDue moves up to limit pending records scheduled at or before now
	// to sending and returns them. Records stuck in sending for longer than
	// ClaimLease are claimed again. Concurrent callers never get the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Confirmation, error)
	// Release puts claimed records that were never attempted back to pending.
	Release(ctx context.Context, ids []uuid.UUID) error
	// Claim moves one pending record to sending.
	Claim(ctx context.Context, id uuid.UUID) (*Confirmation, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error
	// FindAwaitingReply returns the most recently sent record for phone that
	// has no response yet.
	FindAwaitingReply(ctx context.Context, phone string) (*Confirmation, error)
	RecordResponse(ctx context.Context, id uuid.UUID, status ResponseStatus, content string, at time.Time) error
	UpdateDelivery(ctx context.Context, providerMessageID string, status DeliveryStatus) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Confirmation, error)
}

// MemoryConfirmationStore keeps confirmations in process.
type MemoryConfirmationStore struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*Confirmation
	claimed map[uuid.UUID]time.Time
}

var _ ConfirmationStore = (*MemoryConfirmationStore)(nil)

func NewMemoryConfirmationStore() *MemoryConfirmationStore {
	return &MemoryConfirmationStore{
		items:   make(map[uuid.UUID]*Confirmation),
		claimed: make(map[uuid.UUID]time.Time),
	}
}

func (m *MemoryConfirmationStore) Create(_ context.Context, c Confirmation) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DeliveryStatus == "" {
		c.DeliveryStatus = DeliveryPending
	}
	if c.ResponseStatus == "" {
		c.ResponseStatus = ResponseNone
	}
	stored := c
	m.items[c.ID] = &stored
	out := stored
	return &out, nil
}

func (m *MemoryConfirmationStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staleBefore := now.Add(-ClaimLease)
	var due []*Confirmation
	for _, c := range m.items {
		if c.ScheduledFor.After(now) {
			continue
		}
		stale := c.DeliveryStatus == DeliverySending && m.claimed[c.ID].Before(staleBefore)
		if c.DeliveryStatus == DeliveryPending || stale {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Confirmation, 0, len(due))
	for _, c := range due {
		c.DeliveryStatus = DeliverySending
		m.claimed[c.ID] = now
		out = append(out, *c)
	}
	return out, nil
}

func (m *MemoryConfirmationStore) Release(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if c, ok := m.items[id]; ok && c.DeliveryStatus == DeliverySending {
			c.DeliveryStatus = DeliveryPending
			delete(m.claimed, id)
		}
	}
	return nil
}

func (m *MemoryConfirmationStore) Claim(_ context.Context, id uuid.UUID) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.DeliveryStatus != DeliveryPending {
		return nil, ErrConfirmationNotFound
	}
	c.DeliveryStatus = DeliverySending
	m.claimed[id] = time.Now().UTC()
	out := *c
	return &out, nil
}

func (m *MemoryConfirmationStore) update(id uuid.UUID, fn func(c *Confirmation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return ErrConfirmationNotFound
	}
	fn(c)
	return nil
}

func (m *MemoryConfirmationStore) MarkSent(_ context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	return m.update(id, func(c *Confirmation) {
		pid := providerMessageID
		sentAt := at
		c.DeliveryStatus = DeliverySent
		c.ProviderMessageID = &pid
		c.SentAt = &sentAt
		c.Error = ""
	})
}

func (m *MemoryConfirmationStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return m.update(id, func(c *Confirmation) {
		c.DeliveryStatus = DeliveryFailed
		c.Error = reason
	})
}

func (m *MemoryConfirmationStore) MarkSkipped(_ context.Context, id uuid.UUID, reason string) error {
	return m.update(id, func(c *Confirmation) {
		c.DeliveryStatus = DeliverySkipped
		c.Error = reason
	})
}

func (m *MemoryConfirmationStore) FindAwaitingReply(_ context.Context, phone string) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Confirmation
	for _, c := range m.items {
		if c.Phone != phone || c.ResponseStatus != ResponseNone || !c.DeliveryStatus.awaitsReply() || c.SentAt == nil {
			continue
		}
		if best == nil || c.SentAt.After(*best.SentAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrConfirmationNotFound
	}
	out := *best
	return &out, nil
}

func (m *MemoryConfirmationStore) RecordResponse(_ context.Context, id uuid.UUID, status ResponseStatus, content string, at time.Time) error {
	return m.update(id, func(c *Confirmation) {
		text := content
		respondedAt := at
		c.ResponseStatus = status
		c.ResponseContent = &text
		c.RespondedAt = &respondedAt
	})
}

func (m *MemoryConfirmationStore) UpdateDelivery(_ context.Context, providerMessageID string, status DeliveryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.ProviderMessageID != nil && *c.ProviderMessageID == providerMessageID {
			if status.canReplace(c.DeliveryStatus) {
				c.DeliveryStatus = status
			}
			return nil
		}
	}
	return ErrConfirmationNotFound
}

func (m *MemoryConfirmationStore) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Confirmation
	for _, c := range m.items {
		if c.AppointmentID == appointmentID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
