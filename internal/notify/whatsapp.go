package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

const defaultGraphURL = "https://graph.facebook.com/v18.0"

// ErrSenderDisabled is returned when no WhatsApp credentials are configured.
var ErrSenderDisabled = errors.New("notify: whatsapp sender is not configured")

// SendResult is what the provider returned for one accepted message.
type SendResult struct {
	MessageID string
}

// Sender delivers a text message to one normalized phone number.
type Sender interface {
	SendText(ctx context.Context, to, body string) (SendResult, error)
}

type WhatsAppConfig struct {
	BaseURL       string
	Token         string
	PhoneNumberID string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	HTTPClient    *http.Client
	Logger        *logging.Logger
}

// WhatsAppClient talks to the WhatsApp Cloud API messages endpoint.
type WhatsAppClient struct {
	baseURL       string
	token         string
	phoneNumberID string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	logger        *logging.Logger
}

func NewWhatsAppClient(cfg WhatsAppConfig) *WhatsAppClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGraphURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &WhatsAppClient{
		baseURL:       baseURL,
		token:         strings.TrimSpace(cfg.Token),
		phoneNumberID: strings.TrimSpace(cfg.PhoneNumberID),
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		backoff:       backoff,
		logger:        logger,
	}
}

// Enabled reports whether credentials are present.
func (c *WhatsAppClient) Enabled() bool {
	return c != nil && c.token != "" && c.phoneNumberID != ""
}

type textPayload struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

// SendText sends a free-form text message.
func (c *WhatsAppClient) SendText(ctx context.Context, to, body string) (SendResult, error) {
	if !c.Enabled() {
		return SendResult{}, ErrSenderDisabled
	}
	if strings.TrimSpace(body) == "" {
		return SendResult{}, errors.New("notify: message body required")
	}
	p := textPayload{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: "text"}
	p.Text.Body = body
	return c.send(ctx, p)
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templatePayload struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []templateComponent `json:"components,omitempty"`
	} `json:"template"`
}

// SendTemplate sends a pre-approved template with positional body parameters.
func (c *WhatsAppClient) SendTemplate(ctx context.Context, to, name, language string, params ...string) (SendResult, error) {
	if !c.Enabled() {
		return SendResult{}, ErrSenderDisabled
	}
	if strings.TrimSpace(name) == "" {
		return SendResult{}, errors.New("notify: template name required")
	}
	if language == "" {
		language = "es_AR"
	}
	p := templatePayload{MessagingProduct: "whatsapp", To: to, Type: "template"}
	p.Template.Name = name
	p.Template.Language.Code = language
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, v := range params {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: v})
		}
		p.Template.Components = []templateComponent{comp}
	}
	return c.send(ctx, p)
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *WhatsAppClient) send(ctx context.Context, payload any) (SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("notify: marshal payload: %w", err)
	}
	data, err := c.invoke(ctx, c.baseURL+"/"+c.phoneNumberID+"/messages", body)
	if err != nil {
		return SendResult{}, err
	}
	var resp sendResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return SendResult{}, fmt.Errorf("notify: decode response: %w", err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return SendResult{}, errors.New("notify: provider returned no message id")
	}
	return SendResult{MessageID: resp.Messages[0].ID}, nil
}

func (c *WhatsAppClient) invoke(ctx context.Context, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("notify: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("notify: http error: %w", err)
			}
			lastErr = err
			c.logRetry(attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("notify: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("notify: request failed without response")
}

func (c *WhatsAppClient) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *WhatsAppClient) logRetry(attempt, status int, err error) {
	c.logger.Warn("whatsapp retry", "attempt", attempt+1, "status", status, "error", err)
}

// shouldRetry only retries transport errors raised while connecting. Once the
// request may have reached Meta, resending could message the patient twice.
func shouldRetry(status int, err error) bool {
	if err != nil {
		return connectPhaseError(err)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func connectPhaseError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// APIError is the error envelope of the Graph API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("notify: whatsapp: %s (status=%d code=%d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("notify: whatsapp: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	var wrapper struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	wrapper.Error.StatusCode = status
	return &wrapper.Error
}
