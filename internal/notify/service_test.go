package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/appointment/memstore"
	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/observability/metrics"
)

type confirmationFixture struct {
	now       time.Time
	sender    *fakeSender
	store     *MemoryConfirmationStore
	svc       *ConfirmationService
	apps      *appointment.Service
	patient   appointment.Patient
	treatment appointment.Treatment
}

func newConfirmationFixture(t *testing.T) *confirmationFixture {
	t.Helper()
	f := &confirmationFixture{
		now:    time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC),
		sender: &fakeSender{failTo: map[string]error{}},
		store:  NewMemoryConfirmationStore(),
	}
	clock := func() time.Time { return f.now }

	repo := memstore.New()
	repo.SetClock(clock)
	phone := "+54 9 11 2233-4455"
	f.patient = repo.AddPatient(appointment.Patient{DNI: "30111222", Name: "Ana", Phone: &phone})
	f.treatment = repo.AddTreatment(appointment.Treatment{Name: "Limpieza", DurationMinutes: 60, PriceCents: 10000})

	reg := prometheus.NewRegistry()
	dispatcher := NewDispatcher(f.sender, WithMessagingMetrics(metrics.NewMessagingMetrics(reg)))
	f.svc = NewConfirmationService(f.store, dispatcher,
		WithLead(24*time.Hour),
		WithConfirmationClock(clock),
	)
	f.apps = appointment.NewService(repo, nil, config.Config{}, appointment.WithNotifier(f.svc), appointment.WithClock(clock))
	f.svc.Bind(f.apps)
	return f
}

func (f *confirmationFixture) book(t *testing.T, start time.Time) *appointment.BookingOutcome {
	t.Helper()
	out, err := f.apps.CreateAppointment(context.Background(), appointment.BookingRequest{
		PatientID:   f.patient.ID,
		TreatmentID: f.treatment.ID,
		Start:       start,
		End:         start.Add(time.Hour),
	})
	require.NoError(t, err)
	return out
}

func TestBookingWithinLeadSendsImmediately(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()

	out := f.book(t, f.now.Add(24*time.Hour))
	assert.Equal(t, appointment.SideEffectSent, out.Notification.Status)
	assert.Equal(t, 1, f.sender.count())

	appt, err := f.apps.GetAppointment(ctx, out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmationRequested, appt.Status)

	records, err := f.svc.Confirmations(ctx, out.Appointment.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, DeliverySent, records[0].DeliveryStatus)
	assert.Equal(t, "5491122334455", records[0].Phone)
	assert.Contains(t, records[0].Message, "Limpieza")
}

func TestFarBookingIsQueuedUntilDue(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()

	out := f.book(t, f.now.Add(72*time.Hour))
	assert.Equal(t, appointment.SideEffectQueued, out.Notification.Status)
	assert.Equal(t, 0, f.sender.count())

	report, err := f.svc.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DispatchReport{}, report)

	f.now = f.now.Add(48 * time.Hour)
	report, err = f.svc.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, f.sender.count())

	appt, err := f.apps.GetAppointment(ctx, out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmationRequested, appt.Status)

	// Already sent; a second run does nothing.
	report, err = f.svc.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed)
}

func TestDispatchSkipsCancelledAppointments(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()

	out := f.book(t, f.now.Add(72*time.Hour))
	_, err := f.apps.Cancel(ctx, out.Appointment.ID, appointment.SystemActor(), "")
	require.NoError(t, err)

	f.now = f.now.Add(72 * time.Hour)
	report, err := f.svc.DispatchDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, f.sender.count())
}

func TestReplyConfirmsAppointment(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()
	out := f.book(t, f.now.Add(2*time.Hour))

	outcome, err := f.svc.HandleReply(ctx, "5491122334455", "Hola, ¿qué tal?")
	require.NoError(t, err)
	assert.Equal(t, ResponseNone, outcome.Response)
	assert.False(t, outcome.Matched)

	outcome, err = f.svc.HandleReply(ctx, "5491122334455", "Sí, confirmo")
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	assert.True(t, outcome.StatusChanged)
	require.NotNil(t, outcome.AppointmentID)
	assert.Equal(t, out.Appointment.ID, *outcome.AppointmentID)

	appt, err := f.apps.GetAppointment(ctx, out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmedByPatient, appt.Status)

	// The confirmation is answered, so a second reply finds nothing pending.
	outcome, err = f.svc.HandleReply(ctx, "5491122334455", "no")
	require.NoError(t, err)
	assert.False(t, outcome.Matched)
}

func TestReplyCancelsAppointment(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()
	out := f.book(t, f.now.Add(2*time.Hour))

	outcome, err := f.svc.HandleReply(ctx, "+54 9 11 2233 4455", "No, cancelo")
	require.NoError(t, err)
	assert.Equal(t, ResponseCancelled, outcome.Response)
	assert.True(t, outcome.StatusChanged)

	appt, err := f.apps.GetAppointment(ctx, out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelledByPatient, appt.Status)

	history, err := f.apps.StatusHistory(ctx, out.Appointment.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, appointment.ActorPatient, last.Actor.Kind)
}

func TestRescheduleReplyLeavesStatus(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()
	out := f.book(t, f.now.Add(2*time.Hour))

	outcome, err := f.svc.HandleReply(ctx, "5491122334455", "necesito reprogramar")
	require.NoError(t, err)
	assert.Equal(t, ResponseRescheduled, outcome.Response)
	assert.True(t, outcome.Matched)
	assert.False(t, outcome.StatusChanged)

	appt, err := f.apps.GetAppointment(ctx, out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmationRequested, appt.Status)
}

func TestSendFailureKeepsBooking(t *testing.T) {
	f := newConfirmationFixture(t)
	f.sender.failTo["5491122334455"] = errors.New("provider down")

	out := f.book(t, f.now.Add(2*time.Hour))
	assert.Equal(t, appointment.SideEffectFailed, out.Notification.Status)

	appt, err := f.apps.GetAppointment(context.Background(), out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusReserved, appt.Status)

	records, err := f.svc.Confirmations(context.Background(), out.Appointment.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, DeliveryFailed, records[0].DeliveryStatus)
	assert.Contains(t, records[0].Error, "provider down")
}

func TestPatientWithoutPhoneIsSkipped(t *testing.T) {
	f := newConfirmationFixture(t)
	status, err := f.svc.NotifyBooked(context.Background(), appointment.BookingNotice{
		Patient: appointment.Patient{Name: "Sin teléfono"},
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.SideEffectSkipped, status)
}

func TestDeliveryReceipts(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()
	out := f.book(t, f.now.Add(2*time.Hour))

	require.NoError(t, f.svc.HandleDeliveryStatus(ctx, "wamid.1", "delivered"))
	records, err := f.svc.Confirmations(ctx, out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, records[0].DeliveryStatus)

	assert.NoError(t, f.svc.HandleDeliveryStatus(ctx, "wamid.unknown", "read"))
	assert.NoError(t, f.svc.HandleDeliveryStatus(ctx, "wamid.1", "something-new"))
}

// cancelAfterFirst cancels the dispatch context once a message went out.
type cancelAfterFirst struct {
	fakeSender
	cancel context.CancelFunc
}

func (s *cancelAfterFirst) SendText(ctx context.Context, to, body string) (SendResult, error) {
	res, err := s.fakeSender.SendText(ctx, to, body)
	s.cancel()
	return res, err
}

func TestInterruptedDispatchReleasesUnsentClaims(t *testing.T) {
	now := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	store := NewMemoryConfirmationStore()
	for i := range 3 {
		_, err := store.Create(context.Background(), Confirmation{
			AppointmentID: uuid.New(),
			Phone:         fmt.Sprintf("549110000000%d", i+1),
			Message:       "recordatorio",
			ScheduledFor:  now.Add(time.Duration(i-3) * time.Minute),
			CreatedAt:     now,
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &cancelAfterFirst{fakeSender: fakeSender{failTo: map[string]error{}}, cancel: cancel}
	svc := NewConfirmationService(store, NewDispatcher(sender), WithConfirmationClock(func() time.Time { return now }))

	report, err := svc.DispatchDue(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, report.Claimed)
	assert.Equal(t, 1, report.Sent)

	claimed, err := store.ClaimDue(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2, "unsent records are pending again")
}

func TestClaimDueTakesOverExpiredClaims(t *testing.T) {
	now := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)
	store := NewMemoryConfirmationStore()
	_, err := store.Create(context.Background(), Confirmation{
		AppointmentID: uuid.New(),
		Phone:         "5491100000001",
		ScheduledFor:  now.Add(-time.Hour),
		CreatedAt:     now,
	})
	require.NoError(t, err)

	first, err := store.ClaimDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := store.ClaimDue(context.Background(), now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "a live claim is left alone")

	again, err = store.ClaimDue(context.Background(), now.Add(ClaimLease+time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
}

func TestLateReceiptsDoNotMoveDeliveryBack(t *testing.T) {
	f := newConfirmationFixture(t)
	ctx := context.Background()
	out := f.book(t, f.now.Add(2*time.Hour))

	require.NoError(t, f.svc.HandleDeliveryStatus(ctx, "wamid.1", "read"))
	require.NoError(t, f.svc.HandleDeliveryStatus(ctx, "wamid.1", "sent"))
	require.NoError(t, f.svc.HandleDeliveryStatus(ctx, "wamid.1", "delivered"))
	require.NoError(t, f.svc.HandleDeliveryStatus(ctx, "wamid.1", "failed"))

	records, err := f.svc.Confirmations(ctx, out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryRead, records[0].DeliveryStatus)
}
