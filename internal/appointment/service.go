package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/observability/metrics"
	redisclient "github.com/hackgods/dental-appointment-workflow/internal/redis"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.appointment")

var (
	ErrValidation        = errors.New("validation failed")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrAgendaBusy        = errors.New("agenda is currently being booked, please retry")
	ErrNotOwner          = errors.New("appointment does not belong to this patient")
	ErrUnauthorized      = errors.New("user is not an active system user")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	clinic   config.ClinicConfig
	policy   TransitionPolicy
	logger   *logging.Logger
	metrics  *metrics.AppointmentMetrics
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.AppointmentMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	if repo == nil {
		panic("appointment: repository required")
	}
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}

	clinic := cfg.Clinic
	if clinic.Location == nil {
		clinic.Location = time.UTC
	}
	if clinic.CloseHour == 0 {
		clinic.OpenHour, clinic.CloseHour = 9, 18
	}
	if clinic.SlotMinutes <= 0 {
		clinic.SlotMinutes = 60
	}

	policy := PolicyPermissive
	if cfg.StrictTransitions {
		policy = PolicyStrict
	}

	s := &Service{
		repo:   repo,
		locker: locker,
		clinic: clinic,
		policy: policy,
		logger: logging.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveStaff turns a system user id into an Actor, rejecting unknown or
// inactive users.
func (s *Service) ResolveStaff(ctx context.Context, userID uuid.UUID) (Actor, error) {
	user, err := s.repo.GetSystemUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Actor{}, ErrUnauthorized
		}
		return Actor{}, fmt.Errorf("load system user: %w", err)
	}
	if !user.Active {
		return Actor{}, ErrUnauthorized
	}
	return StaffActor(user.ID), nil
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// ListAppointments applies the filter with a default page of 20 and a max of 100.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *f.Status)
	}

	out, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return out, nil
}

// History returns the field audit trail joined with actor names.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error) {
	if _, err := s.repo.GetAppointmentByID(ctx, id); err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	entries, err := s.repo.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// StatusHistory returns the ordered status chain of one appointment.
func (s *Service) StatusHistory(ctx context.Context, id uuid.UUID) ([]StatusChange, error) {
	entries, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return StatusChanges(entries), nil
}

// StatusFlow returns the UI timeline.
func (s *Service) StatusFlow(ctx context.Context, id uuid.UUID) ([]FlowEntry, error) {
	if _, err := s.repo.GetAppointmentByID(ctx, id); err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	flow, err := s.repo.ListStatusFlow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list status flow: %w", err)
	}
	return flow, nil
}

// withAgendaLock runs fn holding the lock of every local day [start, end)
// touches.
func (s *Service) withAgendaLock(ctx context.Context, start, end time.Time, fn func(ctx context.Context) error) error {
	err := s.locker.WithAgendaLock(ctx, AgendaDays(start, end, s.clinic.Location), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrAgendaBusy
	}
	return err
}

// appendFlow writes the UI timeline. It is display only, so failures are
// logged and swallowed.
func (s *Service) appendFlow(ctx context.Context, id uuid.UUID, from *Status, to Status, actor Actor, note string) {
	entry := FlowEntry{
		AppointmentID: id,
		From:          from,
		To:            to,
		Actor:         actor,
		Note:          note,
		CreatedAt:     s.now(),
	}
	if err := s.repo.AppendStatusFlow(ctx, entry); err != nil {
		s.logger.Warn("failed to append status flow", "appointment_id", id, "to", to, "error", err)
	}
}
