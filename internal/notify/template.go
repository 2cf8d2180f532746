package notify

import (
	"regexp"
	"time"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Built-in message bodies. Placeholders use {{name}}.
const (
	BookingTemplate = "Hola {{nombre}}! Tu turno de {{tratamiento}} está reservado para el {{fecha}} a las {{hora}}. " +
		"Respondé SI para confirmar, NO para cancelar o REPROGRAMAR si necesitás otro horario."
	RescheduleTemplate = "Hola {{nombre}}! Reprogramamos tu turno de {{tratamiento}} para el {{fecha}} a las {{hora}}. " +
		"Respondé SI para confirmar, NO para cancelar o REPROGRAMAR si necesitás otro horario."
	ReminderTemplate = "Hola {{nombre}}, te recordamos tu turno de {{tratamiento}} el {{fecha}} a las {{hora}}."
)

// Render replaces {{key}} placeholders. Unknown keys are left untouched so a
// typo shows up in the sent text instead of silently disappearing.
func Render(tmpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// AppointmentVars builds the standard placeholder set for a visit.
func AppointmentVars(patientName, treatment string, start time.Time, loc *time.Location) map[string]string {
	if loc == nil {
		loc = time.UTC
	}
	local := start.In(loc)
	return map[string]string{
		"nombre":      patientName,
		"tratamiento": treatment,
		"fecha":       local.Format("02/01/2006"),
		"hora":        local.Format("15:04"),
	}
}
