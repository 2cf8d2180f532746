package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RegisterPayment adds amountCents to the appointment's running total. The
// record is created on first use with the treatment price as amount due.
// Over-payment is accepted and logged.
func (s *Service) RegisterPayment(ctx context.Context, id uuid.UUID, amountCents int64, method, notes string) (*Payment, error) {
	if amountCents <= 0 {
		return nil, validationError("payment amount must be positive")
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	var defaultDue int64
	treatment, err := s.repo.GetTreatmentByID(ctx, appt.TreatmentID)
	switch {
	case err == nil:
		defaultDue = treatment.PriceCents
	case errors.Is(err, ErrTreatmentNotFound):
	default:
		return nil, fmt.Errorf("load treatment: %w", err)
	}

	now := s.now()
	payment, err := s.repo.UpsertPayment(ctx, id, func(cur *Payment) (Payment, error) {
		next := Payment{
			AppointmentID:  id,
			AmountDueCents: defaultDue,
			CreatedAt:      now,
		}
		if cur != nil {
			next = *cur
		}
		next.AmountPaidCents += amountCents
		next.State = PaymentStateFor(next.AmountDueCents, next.AmountPaidCents)
		if method != "" {
			next.Method = method
		}
		if notes != "" {
			next.Notes = notes
		}
		next.LastPaidAt = &now
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("register payment: %w", err)
	}

	s.metrics.ObservePayment()
	if payment.AmountPaidCents > payment.AmountDueCents {
		s.logger.Warn("payment exceeds amount due",
			"appointment_id", id,
			"amount_due_cents", payment.AmountDueCents,
			"amount_paid_cents", payment.AmountPaidCents,
		)
	}
	s.logger.Info("payment registered", "appointment_id", id, "amount_cents", amountCents, "state", payment.State)
	return payment, nil
}

// GetPayment returns the payment record of an appointment.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}
