package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-appointment-workflow/internal/appointment"
	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

const (
	eventSucceeded = "payment_intent.succeeded"
	eventFailed    = "payment_intent.payment_failed"
	eventCanceled  = "payment_intent.canceled"

	intentProvider = "stripe_payment_intent"

	signatureTolerance = 5 * time.Minute
	maxPayloadBytes    = 1 << 20
)

// Appointments is what the webhook needs from the appointment service.
type Appointments interface {
	RegisterPayment(ctx context.Context, id uuid.UUID, amountCents int64, method, notes string) (*appointment.Payment, error)
	Transition(ctx context.Context, id uuid.UUID, to appointment.Status, actor appointment.Actor, reason string) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, actor appointment.Actor, reason string) (*appointment.Appointment, error)
}

// EventTracker dedupes provider event ids.
type EventTracker interface {
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
	Forget(ctx context.Context, provider, eventID string) error
}

// StripeWebhookHandler applies payment intent events to appointments.
type StripeWebhookHandler struct {
	webhookSecret string
	apps          Appointments
	processed     EventTracker
	logger        *logging.Logger
	now           func() time.Time
}

func NewStripeWebhookHandler(webhookSecret string, apps Appointments, processed EventTracker, logger *logging.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if processed == nil {
		processed = NewMemoryTracker()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		apps:          apps,
		processed:     processed,
		logger:        logger,
		now:           time.Now,
	}
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object paymentIntent `json:"object"`
	} `json:"data"`
}

type paymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// Handle is mounted at POST /api/webhook/stripe.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !verifyStripeSignature(h.webhookSecret, payload, r.Header.Get("Stripe-Signature"), h.now()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	switch evt.Type {
	case eventSucceeded, eventFailed, eventCanceled:
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	intent := evt.Data.Object
	rawID := strings.TrimSpace(intent.Metadata["turno_id"])
	appointmentID, err := uuid.Parse(rawID)
	if err != nil {
		// Acknowledge so Stripe stops retrying; nothing here can be applied.
		h.logger.Warn("stripe event without usable turno_id", "event_id", evt.ID, "type", evt.Type, "turno_id", rawID)
		w.WriteHeader(http.StatusOK)
		return
	}

	fresh, err := h.processed.MarkProcessed(r.Context(), "stripe", evt.ID)
	if err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		h.logger.Info("duplicate stripe event", "event_id", evt.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.apply(r.Context(), evt.Type, appointmentID, intent); err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			h.logger.Warn("stripe event for unknown appointment", "event_id", evt.ID, "turno_id", appointmentID)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("failed to apply stripe event", "event_id", evt.ID, "turno_id", appointmentID, "error", err)
		if forgetErr := h.processed.Forget(context.WithoutCancel(r.Context()), "stripe", evt.ID); forgetErr != nil {
			h.logger.Error("failed to forget stripe event", "event_id", evt.ID, "error", forgetErr)
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) apply(ctx context.Context, eventType string, id uuid.UUID, intent paymentIntent) error {
	actor := appointment.SystemActor()

	switch eventType {
	case eventSucceeded:
		amount := intent.AmountReceived
		if amount <= 0 {
			amount = intent.Amount
		}
		if amount > 0 {
			if err := h.registerOnce(ctx, id, amount, intent.ID); err != nil {
				return err
			}
		}
		_, err := h.apps.Transition(ctx, id, appointment.StatusConfirmed, actor, "stripe payment "+intent.ID)
		if errors.Is(err, appointment.ErrIllegalTransition) {
			// The payment is recorded; the status was already past confirmation.
			h.logger.Warn("stripe payment for appointment in a closed status", "turno_id", id, "error", err)
			return nil
		}
		if err == nil {
			h.logger.Info("stripe payment applied", "turno_id", id, "amount_cents", amount, "payment_intent", intent.ID)
		}
		return err

	default:
		reason := "stripe " + strings.TrimPrefix(eventType, "payment_intent.")
		if intent.LastPaymentError != nil && intent.LastPaymentError.Message != "" {
			reason += ": " + intent.LastPaymentError.Message
		}
		_, err := h.apps.Cancel(ctx, id, actor, reason)
		if errors.Is(err, appointment.ErrIllegalTransition) {
			h.logger.Warn("stripe failure for appointment in a closed status", "turno_id", id, "error", err)
			return nil
		}
		if err == nil {
			h.logger.Info("appointment cancelled after stripe failure", "turno_id", id, "payment_intent", intent.ID)
		}
		return err
	}
}

// registerOnce records the payment of one intent at most once. The intent
// claim outlives event retries, so a retry after a failed transition does not
// count the money twice.
func (h *StripeWebhookHandler) registerOnce(ctx context.Context, id uuid.UUID, amount int64, intentID string) error {
	if intentID == "" {
		_, err := h.apps.RegisterPayment(ctx, id, amount, "stripe", "payment_intent")
		return err
	}

	fresh, err := h.processed.MarkProcessed(ctx, intentProvider, intentID)
	if err != nil {
		return fmt.Errorf("claim payment intent: %w", err)
	}
	if !fresh {
		h.logger.Info("stripe payment already recorded", "turno_id", id, "payment_intent", intentID)
		return nil
	}

	if _, err := h.apps.RegisterPayment(ctx, id, amount, "stripe", "payment_intent "+intentID); err != nil {
		if forgetErr := h.processed.Forget(context.WithoutCancel(ctx), intentProvider, intentID); forgetErr != nil {
			h.logger.Error("failed to release payment intent claim", "payment_intent", intentID, "error", forgetErr)
		}
		return err
	}
	return nil
}

// verifyStripeSignature checks the Stripe-Signature header:
// t=<unix>,v1=<hex hmac-sha256 of "t.payload">. An empty secret disables the
// check for local development.
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" {
		return true
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > signatureTolerance {
		return false
	}

	expected := SignPayload(secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

// SignPayload returns the v1 signature Stripe would send for payload.
func SignPayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

// MemoryTracker deduplicates events in process when redis is not configured.
type MemoryTracker struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]bool)}
}

func (t *MemoryTracker) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := provider + ":" + eventID
	if t.seen[key] {
		return false, nil
	}
	t.seen[key] = true
	return true, nil
}

func (t *MemoryTracker) Forget(_ context.Context, provider, eventID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, provider+":"+eventID)
	return nil
}
