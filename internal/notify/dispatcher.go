package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/hackgods/dental-appointment-workflow/internal/observability/metrics"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

// RecipientResult is the outcome of one message in a bulk send.
type RecipientResult struct {
	Phone     string `json:"phone"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkResult summarizes a bulk send; Total == Successful + Failed.
type BulkResult struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []RecipientResult `json:"results"`
}

// Dispatcher validates phones, sends through a Sender and records metrics.
type Dispatcher struct {
	sender       Sender
	defaultDelay time.Duration
	maxDelay     time.Duration
	logger       *logging.Logger
	metrics      *metrics.MessagingMetrics
}

type DispatcherOption func(*Dispatcher)

func WithDelays(defaultDelay, maxDelay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if defaultDelay >= 0 {
			d.defaultDelay = defaultDelay
		}
		if maxDelay > 0 {
			d.maxDelay = maxDelay
		}
	}
}

func WithDispatcherLogger(l *logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMessagingMetrics(m *metrics.MessagingMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:       sender,
		defaultDelay: time.Second,
		maxDelay:     time.Minute,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendOne normalizes the phone and sends a single message.
func (d *Dispatcher) SendOne(ctx context.Context, phone, message string) (SendResult, error) {
	to, err := NormalizePhone(phone)
	if err != nil {
		d.metrics.ObserveOutbound("invalid", 0)
		return SendResult{}, err
	}
	if d.sender == nil {
		return SendResult{}, ErrSenderDisabled
	}

	start := time.Now()
	res, err := d.sender.SendText(ctx, to, message)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		result := "error"
		if errors.Is(err, ErrSenderDisabled) {
			result = "disabled"
		}
		d.metrics.ObserveOutbound(result, elapsed)
		return SendResult{}, err
	}
	d.metrics.ObserveOutbound("sent", elapsed)
	return res, nil
}

// EffectiveDelay clamps a requested pause between bulk messages. A negative
// request means "use the default".
func (d *Dispatcher) EffectiveDelay(requested time.Duration) time.Duration {
	if requested < 0 {
		return d.defaultDelay
	}
	if requested > d.maxDelay {
		return d.maxDelay
	}
	return requested
}

// SendBulk sends message to every recipient in order, pausing delay between
// provider calls. One failure never stops the batch. Cancelling ctx marks the
// remaining recipients as failed.
func (d *Dispatcher) SendBulk(ctx context.Context, recipients []string, message string, delay time.Duration) BulkResult {
	delay = d.EffectiveDelay(delay)
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	out := BulkResult{Total: len(recipients), Results: make([]RecipientResult, 0, len(recipients))}
	for _, phone := range recipients {
		r := RecipientResult{Phone: phone}

		if _, err := NormalizePhone(phone); err != nil {
			r.Error = err.Error()
			out.Failed++
			out.Results = append(out.Results, r)
			d.metrics.ObserveOutbound("invalid", 0)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			r.Error = err.Error()
			out.Failed++
			out.Results = append(out.Results, r)
			continue
		}

		res, err := d.SendOne(ctx, phone, message)
		if err != nil {
			r.Error = err.Error()
			out.Failed++
			d.logger.Warn("bulk whatsapp send failed", "phone", phone, "error", err)
		} else {
			r.Success = true
			r.MessageID = res.MessageID
			out.Successful++
		}
		out.Results = append(out.Results, r)
	}

	d.logger.Info("bulk whatsapp finished", "total", out.Total, "successful", out.Successful, "failed", out.Failed)
	return out
}
