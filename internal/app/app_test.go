package app

import (
	"context"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/internal/config"
	"github.com/hackgods/dental-appointment-workflow/internal/notify"
	"github.com/hackgods/dental-appointment-workflow/internal/payments"
	redisclient "github.com/hackgods/dental-appointment-workflow/internal/redis"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

type recordingSender struct {
	sent []string
}

func (s *recordingSender) SendText(_ context.Context, to, _ string) (notify.SendResult, error) {
	s.sent = append(s.sent, to)
	return notify.SendResult{MessageID: "wamid." + to}, nil
}

func memoryConfig(redisAddr string) config.Config {
	return config.Config{
		StorageBackend:   config.StorageMemory,
		RedisAddr:        redisAddr,
		LockTTL:          5 * time.Second,
		ConfirmationLead: 24 * time.Hour,
		Clinic: config.ClinicConfig{
			Location:    time.UTC,
			OpenHour:    9,
			CloseHour:   18,
			SlotMinutes: 60,
		},
	}
}

func TestBuildMemoryWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	sender := &recordingSender{}

	a, err := Build(context.Background(), memoryConfig(mr.Addr()), logging.NewWithWriter(io.Discard, "error"), Options{
		DemoPatients: 5,
		DemoUsers:    2,
		Sender:       sender,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Redis)
	assert.Nil(t, a.PgPool)
	assert.IsType(t, &redisclient.ProcessedTracker{}, a.Processed)
	require.Len(t, a.Demo.Patients, 5)
	require.Len(t, a.Demo.Users, 2)

	// A booking inside the lead window sends its confirmation straight away.
	start := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Hour)
	out, err := a.Appointments.CreateAppointment(context.Background(), appointment.BookingRequest{
		PatientID:   a.Demo.Patients[0].ID,
		TreatmentID: a.Demo.Treatments[0].ID,
		Start:       start,
		End:         start.Add(time.Hour),
		Actor:       appointment.SystemActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.SideEffectSent, out.Notification.Status)
	assert.Len(t, sender.sent, 1)

	stored, err := a.Appointments.GetAppointment(context.Background(), out.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmationRequested, stored.Status)

	confirmations, err := a.Confirmations.Confirmations(context.Background(), out.Appointment.ID)
	require.NoError(t, err)
	assert.Len(t, confirmations, 1)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "clinic_appointments_bookings_total")
	assert.Contains(t, names, "go_goroutines")
}

func TestBuildMemoryFallsBackWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	a, err := Build(context.Background(), memoryConfig(addr), logging.NewWithWriter(io.Discard, "error"), Options{
		Sender: &recordingSender{},
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.Redis)
	assert.IsType(t, &payments.MemoryTracker{}, a.Processed)
	assert.Empty(t, a.Demo.Patients)
}
