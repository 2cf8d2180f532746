package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]error
}

func (f *fakeSender) SendText(_ context.Context, to, body string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTo[to]; err != nil {
		return SendResult{}, err
	}
	f.sent = append(f.sent, to)
	return SendResult{MessageID: fmt.Sprintf("wamid.%d", len(f.sent))}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestSendBulkContinuesPastFailures(t *testing.T) {
	sender := &fakeSender{failTo: map[string]error{
		"5491100000003": errors.New("provider rejected"),
	}}
	d := NewDispatcher(sender)

	recipients := []string{
		"+54 9 11 0000-0001",
		"5491100000002",
		"not-a-phone",
		"5491100000003",
		"5491100000004",
	}
	res := d.SendBulk(context.Background(), recipients, "Recordatorio", 0)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, res.Total, res.Successful+res.Failed)
	require.Len(t, res.Results, 5)
	assert.False(t, res.Results[2].Success)
	assert.Equal(t, ErrInvalidPhone.Error(), res.Results[2].Error)
	assert.Equal(t, "provider rejected", res.Results[3].Error)
	assert.Equal(t, "wamid.1", res.Results[0].MessageID)

	// The malformed number never reached the provider.
	assert.Equal(t, 3, sender.count())
}

func TestSendBulkPacesMessages(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender)

	start := time.Now()
	res := d.SendBulk(context.Background(), []string{"5491100000001", "5491100000002", "5491100000003"}, "hola", 20*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, 3, res.Successful)
	assert.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
}

func TestSendBulkStopsSendingOnCancel(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, WithDelays(time.Second, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.SendBulk(ctx, []string{"5491100000001", "5491100000002"}, "hola", time.Hour)

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, res.Total, res.Successful+res.Failed)
	assert.Equal(t, res.Successful, sender.count())
}

func TestEffectiveDelay(t *testing.T) {
	d := NewDispatcher(nil, WithDelays(2*time.Second, 10*time.Second))
	assert.Equal(t, 2*time.Second, d.EffectiveDelay(-1))
	assert.Equal(t, time.Duration(0), d.EffectiveDelay(0))
	assert.Equal(t, 10*time.Second, d.EffectiveDelay(time.Hour))
	assert.Equal(t, 3*time.Second, d.EffectiveDelay(3*time.Second))
}

func TestSendOneWithoutSender(t *testing.T) {
	d := NewDispatcher(nil)
	_, err := d.SendOne(context.Background(), "5491100000001", "hola")
	assert.ErrorIs(t, err, ErrSenderDisabled)

	_, err = d.SendOne(context.Background(), "12", "hola")
	assert.ErrorIs(t, err, ErrInvalidPhone)
}
