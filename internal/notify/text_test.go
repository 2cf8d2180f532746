package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+54 9 11 2233-4455":      "5491122334455",
		"0054 (11) 2233 4455":     "541122334455",
		"whatsapp:+5491122334455": "5491122334455",
		"5491122334455":           "5491122334455",
	}
	for in, want := range cases {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "1234", "abc123456789", "+54 9 11 2233 4455 6677 8"} {
		_, err := NormalizePhone(bad)
		assert.ErrorIs(t, err, ErrInvalidPhone, bad)
	}
}

func TestClassifyReply(t *testing.T) {
	cases := map[string]ResponseStatus{
		"Sí":                           ResponseConfirmed,
		"si, confirmo":                 ResponseConfirmed,
		"CONFIRMO!!":                   ResponseConfirmed,
		"Dale, ahí estaré":             ResponseConfirmed,
		"No":                           ResponseCancelled,
		"quiero cancelar el turno":     ResponseCancelled,
		"no puedo, quiero reprogramar": ResponseRescheduled,
		"¿Puedo cambiar el horario?":   ResponseRescheduled,
		"Hola, ¿a qué hora abren?":     ResponseNone,
		"":                             ResponseNone,
		"sino":                         ResponseNone,
	}
	for in, want := range cases {
		assert.Equal(t, want, ClassifyReply(in), in)
	}
}

func TestRender(t *testing.T) {
	out := Render("Hola {{nombre}}, turno {{ fecha }} {{desconocido}}", map[string]string{
		"nombre": "Ana",
		"fecha":  "10/03/2025",
	})
	assert.Equal(t, "Hola Ana, turno 10/03/2025 {{desconocido}}", out)
}

func TestAppointmentVarsUseClinicTimezone(t *testing.T) {
	loc := time.FixedZone("ART", -3*60*60)
	vars := AppointmentVars("Ana", "Limpieza", time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC), loc)
	assert.Equal(t, "10/03/2025", vars["fecha"])
	assert.Equal(t, "10:30", vars["hora"])

	msg := Render(BookingTemplate, vars)
	assert.Contains(t, msg, "Ana")
	assert.Contains(t, msg, "Limpieza")
	assert.NotContains(t, msg, "{{")
}
