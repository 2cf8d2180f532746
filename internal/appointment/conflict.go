package appointment

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var ErrConflict = errors.New("appointment overlaps an existing booking")

// ConflictError carries the booking that blocks the requested interval.
type ConflictError struct {
	Existing Appointment
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: turno %s from %s to %s",
		ErrConflict.Error(), e.Existing.ID,
		e.Existing.Start.Format(time.RFC3339), e.Existing.End.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Overlaps is the half-open interval test [aStart, aEnd) x [bStart, bEnd).
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// FirstConflict returns the earliest appointment occupying [start, end),
// skipping exclude and anything in the cancelled set.
func FirstConflict(existing []Appointment, start, end time.Time, exclude *uuid.UUID) *Appointment {
	var found *Appointment
	for i := range existing {
		a := existing[i]
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if !a.Occupies(start, end) {
			continue
		}
		if found == nil || a.Start.Before(found.Start) {
			found = &existing[i]
		}
	}
	return found
}

// Slot is a bookable interval.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Interval is a busy range used for slot generation.
type Interval struct {
	Start time.Time
	End   time.Time
}

// FreeSlots cuts [open, close) into step-long slots and drops every slot that
// overlaps a busy interval. A trailing remainder shorter than step is ignored.
func FreeSlots(open, close time.Time, step time.Duration, busy []Interval) []Slot {
	if step <= 0 || !open.Before(close) {
		return nil
	}

	sorted := make([]Interval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var slots []Slot
	for start := open; !start.Add(step).After(close); start = start.Add(step) {
		end := start.Add(step)
		free := true
		for _, b := range sorted {
			if !b.Start.Before(end) {
				break
			}
			if Overlaps(b.Start, b.End, start, end) {
				free = false
				break
			}
		}
		if free {
			slots = append(slots, Slot{Start: start, End: end})
		}
	}
	return slots
}

// NeedsOverlapCheck reports whether a mutation from one status to another
// must re-check the interval. Reviving a cancelled appointment re-enters the
// agenda just like a move does.
func NeedsOverlapCheck(moved bool, from, to Status) bool {
	if to.IsCancelled() {
		return false
	}
	return moved || from.IsCancelled()
}

// AgendaDays lists the local calendar days touched by [start, end), used as
// lock keys so concurrent bookings of the same day serialize.
func AgendaDays(start, end time.Time, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	first := start.In(loc)
	last := end.Add(-time.Nanosecond).In(loc)
	day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc)

	var days []string
	for !day.After(last) {
		days = append(days, day.Format(time.DateOnly))
		day = day.AddDate(0, 0, 1)
	}
	if len(days) == 0 {
		days = append(days, first.Format(time.DateOnly))
	}
	return days
}
