package notify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ResponseStatus is the classified patient answer to a confirmation message.
type ResponseStatus string

const (
	ResponseNone        ResponseStatus = "no_response"
	ResponseConfirmed   ResponseStatus = "confirmed"
	ResponseCancelled   ResponseStatus = "cancelled"
	ResponseRescheduled ResponseStatus = "rescheduled"
)

var (
	rescheduleWords = map[string]bool{
		"reprogramar": true, "reprogramo": true, "reprogramacion": true,
		"cambiar": true, "cambio": true, "mover": true, "posponer": true,
	}
	cancelWords = map[string]bool{
		"no": true, "cancelar": true, "cancelo": true, "cancela": true,
		"cancelado": true, "anular": true, "baja": true,
	}
	confirmWords = map[string]bool{
		"si": true, "sii": true, "confirmo": true, "confirmar": true,
		"confirmado": true, "ok": true, "okey": true, "dale": true,
		"voy": true, "asistire": true,
	}
)

// foldText lowercases and strips diacritics so "Sí" and "si" compare equal.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// ClassifyReply maps a free-text reply to a response. A reschedule request
// anywhere in the text wins; otherwise the first confirm or cancel keyword
// decides. Anything else is ResponseNone.
func ClassifyReply(text string) ResponseStatus {
	words := strings.FieldsFunc(foldText(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if rescheduleWords[w] {
			return ResponseRescheduled
		}
	}
	for _, w := range words {
		switch {
		case confirmWords[w]:
			return ResponseConfirmed
		case cancelWords[w]:
			return ResponseCancelled
		}
	}
	return ResponseNone
}
