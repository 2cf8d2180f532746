package appointment

import (
	"context"
	"fmt"
	"time"
)

// AvailableSlots returns the free fixed-length slots of a clinic day using the
// configured opening hours and slot length.
func (s *Service) AvailableSlots(ctx context.Context, day time.Time) ([]Slot, error) {
	return s.AvailableSlotsWithStep(ctx, day, time.Duration(s.clinic.SlotMinutes)*time.Minute)
}

// AvailableSlotsWithStep is AvailableSlots with an explicit granularity
// (calendar screens use 30 or 60 minutes).
func (s *Service) AvailableSlotsWithStep(ctx context.Context, day time.Time, step time.Duration) ([]Slot, error) {
	if step <= 0 {
		return nil, validationError("slot length must be positive")
	}
	loc := s.clinic.Location
	local := day.In(loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), s.clinic.OpenHour, 0, 0, 0, loc)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), s.clinic.CloseHour, 0, 0, 0, loc)

	existing, err := s.repo.FindOverlapping(ctx, open, closeAt, nil)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	busy := make([]Interval, 0, len(existing))
	for _, a := range existing {
		if a.Status.IsCancelled() {
			continue
		}
		busy = append(busy, Interval{Start: a.Start, End: a.End})
	}
	return FreeSlots(open, closeAt, step, busy), nil
}

// ParseDay parses YYYY-MM-DD in the clinic timezone.
func (s *Service) ParseDay(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(time.DateOnly, raw, s.clinic.Location)
	if err != nil {
		return time.Time{}, validationError("fecha must be YYYY-MM-DD")
	}
	return d, nil
}
