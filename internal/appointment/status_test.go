package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Confirmado_Paciente ")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmedByPatient, st)

	st, err = ParseStatus("cancelado")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelledByClinic, st)

	_, err = ParseStatus("borrado")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestVocabularyIsComplete(t *testing.T) {
	all := AllStatuses()
	assert.Len(t, all, 13)
	for _, st := range all {
		assert.True(t, st.Valid(), st)
		assert.NotEqual(t, string(st), st.Label(), "missing label for %s", st)
		assert.Regexp(t, `^#[0-9a-f]{6}$`, st.Color())
	}
	assert.False(t, Status("cancelado").Valid())
}

func TestStatusClassification(t *testing.T) {
	for _, st := range CancelledStatuses() {
		assert.True(t, st.IsCancelled())
		assert.True(t, st.IsTerminal())
	}
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusNoShowExcused.IsTerminal())
	assert.False(t, StatusAttended.IsTerminal())
	assert.False(t, StatusRescheduled.IsTerminal())
	assert.True(t, StatusRescheduledByPatient.IsRescheduled())
	assert.True(t, StatusConfirmedByClinic.IsConfirmed())
	assert.False(t, StatusConfirmationRequested.IsConfirmed())
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusReserved, StatusConfirmationRequested, true},
		{StatusConfirmationRequested, StatusConfirmedByPatient, true},
		{StatusConfirmedByPatient, StatusAttended, true},
		{StatusAttended, StatusCompleted, true},
		{StatusRescheduled, StatusReserved, true},
		{StatusCompleted, StatusReserved, false},
		{StatusCancelledByClinic, StatusConfirmed, false},
		{StatusNoShowUnexcused, StatusAttended, false},
		{StatusConfirmed, StatusConfirmationRequested, false},
		{StatusCompleted, StatusCompleted, true},
		{StatusReserved, Status("nope"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, from := range AllStatuses() {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllStatuses() {
			if to == from {
				continue
			}
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestPaymentStateFor(t *testing.T) {
	assert.Equal(t, PaymentPending, PaymentStateFor(10000, 0))
	assert.Equal(t, PaymentPartial, PaymentStateFor(10000, 4000))
	assert.Equal(t, PaymentPaid, PaymentStateFor(10000, 10000))
	assert.Equal(t, PaymentPaid, PaymentStateFor(10000, 12000))
	assert.Equal(t, PaymentPaid, PaymentStateFor(0, 500))
	assert.Equal(t, PaymentPending, PaymentStateFor(0, 0))
}
