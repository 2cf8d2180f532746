package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWhatsApp(t *testing.T, handler http.HandlerFunc) *WhatsAppClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewWhatsAppClient(WhatsAppConfig{
		BaseURL:       server.URL,
		Token:         "test-token",
		PhoneNumberID: "12345",
		MaxRetries:    1,
		Backoff:       time.Millisecond,
	})
}

func TestSendTextPostsCloudAPIPayload(t *testing.T) {
	client := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "whatsapp", body["messaging_product"])
		assert.Equal(t, "5491122334455", body["to"])
		assert.Equal(t, "text", body["type"])
		assert.Equal(t, "hola", body["text"].(map[string]any)["body"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	})

	res, err := client.SendText(context.Background(), "5491122334455", "hola")
	require.NoError(t, err)
	assert.Equal(t, "wamid.ABC", res.MessageID)
}

func TestSendTemplateIncludesParameters(t *testing.T) {
	client := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		var body templatePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "turno_confirmacion", body.Template.Name)
		assert.Equal(t, "es_AR", body.Template.Language.Code)
		require.Len(t, body.Template.Components, 1)
		assert.Equal(t, "Ana", body.Template.Components[0].Parameters[0].Text)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.T"}]}`))
	})

	res, err := client.SendTemplate(context.Background(), "5491122334455", "turno_confirmacion", "", "Ana", "10/03")
	require.NoError(t, err)
	assert.Equal(t, "wamid.T", res.MessageID)
}

func TestSendTextParsesProviderError(t *testing.T) {
	client := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
	})

	_, err := client.SendText(context.Background(), "5491122334455", "hola")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, 100, apiErr.Code)
	assert.Contains(t, err.Error(), "Invalid parameter")
}

func TestSendTextRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.RETRY"}]}`))
	})

	res, err := client.SendText(context.Background(), "5491122334455", "hola")
	require.NoError(t, err)
	assert.Equal(t, "wamid.RETRY", res.MessageID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDisabledClient(t *testing.T) {
	client := NewWhatsAppClient(WhatsAppConfig{})
	assert.False(t, client.Enabled())
	_, err := client.SendText(context.Background(), "5491122334455", "hola")
	assert.ErrorIs(t, err, ErrSenderDisabled)
}

func TestSendTextDoesNotResendAfterRequestReachedServer(t *testing.T) {
	var hits atomic.Int32
	client := newTestWhatsApp(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	})

	_, err := client.SendText(context.Background(), "5491155550000", "hola")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestShouldRetry(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	read := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}

	assert.True(t, shouldRetry(0, dial))
	assert.True(t, shouldRetry(0, &url.Error{Op: "Post", Err: dial}))
	assert.True(t, shouldRetry(0, &net.DNSError{Err: "no such host", Name: "graph.facebook.com"}))
	assert.False(t, shouldRetry(0, read))
	assert.False(t, shouldRetry(0, io.ErrUnexpectedEOF))
	assert.True(t, shouldRetry(http.StatusTooManyRequests, nil))
	assert.True(t, shouldRetry(http.StatusBadGateway, nil))
	assert.False(t, shouldRetry(http.StatusBadRequest, nil))
}
