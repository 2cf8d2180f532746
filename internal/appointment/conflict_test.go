package appointment

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m int) time.Time {
	return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC)
}

func appt(start, end time.Time, st Status) Appointment {
	return Appointment{ID: uuid.New(), Start: start, End: end, Status: st}
}

func TestOverlapsIsHalfOpen(t *testing.T) {
	assert.True(t, Overlaps(at(10, 0), at(11, 0), at(10, 30), at(11, 30)))
	assert.True(t, Overlaps(at(10, 0), at(11, 0), at(10, 15), at(10, 45)))
	assert.False(t, Overlaps(at(10, 0), at(11, 0), at(11, 0), at(12, 0)))
	assert.False(t, Overlaps(at(11, 0), at(12, 0), at(10, 0), at(11, 0)))
}

func TestFirstConflict(t *testing.T) {
	cancelled := appt(at(9, 0), at(12, 0), StatusCancelledByPatient)
	later := appt(at(10, 30), at(11, 30), StatusConfirmed)
	earlier := appt(at(10, 0), at(10, 45), StatusReserved)
	existing := []Appointment{cancelled, later, earlier}

	got := FirstConflict(existing, at(10, 0), at(11, 0), nil)
	require.NotNil(t, got)
	assert.Equal(t, earlier.ID, got.ID)

	got = FirstConflict(existing, at(10, 0), at(11, 0), &earlier.ID)
	require.NotNil(t, got)
	assert.Equal(t, later.ID, got.ID)

	assert.Nil(t, FirstConflict(existing, at(11, 30), at(12, 0), nil))
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	var err error = &ConflictError{Existing: appt(at(10, 0), at(11, 0), StatusReserved)}
	assert.True(t, errors.Is(err, ErrConflict))

	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, at(10, 0), ce.Existing.Start)
}

func TestFreeSlots(t *testing.T) {
	busy := []Interval{
		{Start: at(10, 30), End: at(11, 30)},
		{Start: at(9, 0), End: at(9, 30)},
	}
	slots := FreeSlots(at(9, 0), at(13, 0), time.Hour, busy)

	var starts []int
	for _, s := range slots {
		starts = append(starts, s.Start.Hour())
		assert.Equal(t, time.Hour, s.End.Sub(s.Start))
	}
	assert.Equal(t, []int{12}, starts)

	half := FreeSlots(at(9, 0), at(10, 15), 30*time.Minute, nil)
	assert.Len(t, half, 2)

	assert.Nil(t, FreeSlots(at(10, 0), at(9, 0), time.Hour, nil))
}

func TestAgendaDays(t *testing.T) {
	loc := time.FixedZone("ART", -3*60*60)

	days := AgendaDays(at(13, 0), at(14, 0), loc)
	assert.Equal(t, []string{"2025-03-10"}, days)

	// 02:00 UTC is still the previous evening in ART.
	days = AgendaDays(at(2, 0), at(4, 0), loc)
	assert.Equal(t, []string{"2025-03-09", "2025-03-10"}, days)

	// An end at midnight does not touch the next day.
	days = AgendaDays(at(22, 0), time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, []string{"2025-03-10"}, days)
}
