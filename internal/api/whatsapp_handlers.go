package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hackgods/dental-appointment-workflow/internal/notify"
)

const maxBulkRecipients = 500

func sendWhatsAppHandler(messenger Messenger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendWhatsAppRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "to and message are required")
			return
		}

		res, err := messenger.SendOne(r.Context(), req.To, notify.Render(req.Message, req.Variables))
		if errors.Is(err, notify.ErrInvalidPhone) {
			writeServiceError(w, r, err)
			return
		}
		if err != nil {
			// Provider failures are reported in the body; callers keep going.
			loggerFrom(r.Context()).Warn("whatsapp send failed", "error", err)
			writeJSON(w, http.StatusOK, SendWhatsAppResponse{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, SendWhatsAppResponse{Success: true, MessageID: res.MessageID})
	}
}

func sendBulkWhatsAppHandler(messenger Messenger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendBulkRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Recipients) == 0 || strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "recipients and message are required")
			return
		}
		if len(req.Recipients) > maxBulkRecipients {
			writeError(w, http.StatusBadRequest, "validation_error", "too many recipients, max "+strconv.Itoa(maxBulkRecipients))
			return
		}

		delay := time.Duration(-1)
		if req.DelayBetweenMessages != nil {
			if *req.DelayBetweenMessages < 0 {
				writeError(w, http.StatusBadRequest, "validation_error", "delayBetweenMessages cannot be negative")
				return
			}
			delay = time.Duration(*req.DelayBetweenMessages) * time.Millisecond
		}

		result := messenger.SendBulk(r.Context(), req.Recipients, notify.Render(req.Message, req.Variables), delay)
		writeJSON(w, http.StatusOK, result)
	}
}

// whatsappVerifyHandler answers the provider's subscription handshake.
func whatsappVerifyHandler(verifyToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		token := q.Get("hub.verify_token")
		if q.Get("hub.mode") != "subscribe" || verifyToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(verifyToken)) != 1 {
			writeError(w, http.StatusForbidden, "verification_failed", "verify token mismatch")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
	}
}

type whatsappWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []whatsappMessage `json:"messages"`
				Statuses []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive struct {
		ButtonReply struct {
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
}

func (m whatsappMessage) body() string {
	switch {
	case m.Text.Body != "":
		return m.Text.Body
	case m.Button.Text != "":
		return m.Button.Text
	default:
		return m.Interactive.ButtonReply.Title
	}
}

type webhookSummary struct {
	Messages int                   `json:"messages"`
	Statuses int                   `json:"statuses"`
	Replies  []notify.ReplyOutcome `json:"replies"`
}

// whatsappWebhookHandler ingests replies and delivery receipts. Processing
// errors are logged and the event is still acknowledged so the provider does
// not redeliver it forever.
func whatsappWebhookHandler(confirmations ConfirmationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload whatsappWebhook
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		logger := loggerFrom(r.Context())
		summary := webhookSummary{Replies: []notify.ReplyOutcome{}}
		for _, entry := range payload.Entry {
			for _, change := range entry.Changes {
				for _, msg := range change.Value.Messages {
					summary.Messages++
					text := msg.body()
					if text == "" {
						continue
					}
					outcome, err := confirmations.HandleReply(r.Context(), msg.From, text)
					if err != nil {
						logger.Error("failed to handle whatsapp reply", "message_id", msg.ID, "error", err)
						continue
					}
					summary.Replies = append(summary.Replies, outcome)
				}
				for _, st := range change.Value.Statuses {
					summary.Statuses++
					if err := confirmations.HandleDeliveryStatus(r.Context(), st.ID, st.Status); err != nil {
						logger.Error("failed to record delivery status", "message_id", st.ID, "error", err)
					}
				}
			}
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

type cronResponse struct {
	Success bool `json:"success"`
	notify.DispatchReport
}

// cronConfirmationsHandler dispatches due confirmations for an external
// scheduler. It requires Authorization: Bearer <secret>; an empty secret
// rejects every call.
func cronConfirmationsHandler(confirmations ConfirmationService, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if secret == "" || !found || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid cron secret")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}

		report, err := confirmations.DispatchDue(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		loggerFrom(r.Context()).Info("cron confirmations dispatched",
			"claimed", report.Claimed, "sent", report.Sent, "failed", report.Failed, "skipped", report.Skipped)
		writeJSON(w, http.StatusOK, cronResponse{Success: true, DispatchReport: report})
	}
}
