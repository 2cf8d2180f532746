package appointment

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of an appointment (turno).
type Status string

const (
	StatusReserved              Status = "reservado"
	StatusConfirmationRequested Status = "confirmado_solicitado"
	StatusConfirmed             Status = "confirmado"
	StatusConfirmedByClinic     Status = "confirmado_clinica"
	StatusConfirmedByPatient    Status = "confirmado_paciente"
	StatusRescheduled           Status = "reprogramado"
	StatusRescheduledByPatient  Status = "reprogramado_paciente"
	StatusCancelledByPatient    Status = "cancelado_paciente"
	StatusCancelledByClinic     Status = "cancelado_consultorio"
	StatusCompleted             Status = "completado"
	StatusAttended              Status = "asistio"
	StatusNoShowExcused         Status = "no_asistio_con_justificativo"
	StatusNoShowUnexcused       Status = "no_asistio_sin_justificativo"
)

// legacyCancelled is accepted on input only and never stored.
const legacyCancelled = "cancelado"

var ErrInvalidStatus = errors.New("invalid appointment status")

type statusInfo struct {
	label string
	color string
}

var vocabulary = map[Status]statusInfo{
	StatusReserved:              {"Reservado", "#3b82f6"},
	StatusConfirmationRequested: {"Confirmación solicitada", "#f59e0b"},
	StatusConfirmed:             {"Confirmado", "#10b981"},
	StatusConfirmedByClinic:     {"Confirmado por la clínica", "#059669"},
	StatusConfirmedByPatient:    {"Confirmado por el paciente", "#22c55e"},
	StatusRescheduled:           {"Reprogramado", "#8b5cf6"},
	StatusRescheduledByPatient:  {"Reprogramado por el paciente", "#a855f7"},
	StatusCancelledByPatient:    {"Cancelado por el paciente", "#ef4444"},
	StatusCancelledByClinic:     {"Cancelado por el consultorio", "#dc2626"},
	StatusCompleted:             {"Completado", "#6b7280"},
	StatusAttended:              {"Asistió", "#14b8a6"},
	StatusNoShowExcused:         {"No asistió (con justificativo)", "#f97316"},
	StatusNoShowUnexcused:       {"No asistió (sin justificativo)", "#b91c1c"},
}

var orderedStatuses = []Status{
	StatusReserved,
	StatusConfirmationRequested,
	StatusConfirmed,
	StatusConfirmedByClinic,
	StatusConfirmedByPatient,
	StatusRescheduled,
	StatusRescheduledByPatient,
	StatusCancelledByPatient,
	StatusCancelledByClinic,
	StatusCompleted,
	StatusAttended,
	StatusNoShowExcused,
	StatusNoShowUnexcused,
}

// AllStatuses returns the vocabulary in display order.
func AllStatuses() []Status {
	out := make([]Status, len(orderedStatuses))
	copy(out, orderedStatuses)
	return out
}

// CancelledStatuses are the states that release the chair for conflict checks.
func CancelledStatuses() []Status {
	return []Status{StatusCancelledByPatient, StatusCancelledByClinic}
}

// ParseStatus normalizes raw input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == legacyCancelled {
		return StatusCancelledByClinic, nil
	}
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := vocabulary[s]
	return ok
}

func (s Status) String() string { return string(s) }

// Label is the Spanish display label.
func (s Status) Label() string {
	if info, ok := vocabulary[s]; ok {
		return info.label
	}
	return string(s)
}

// Color is the hex color used by calendar views.
func (s Status) Color() string {
	if info, ok := vocabulary[s]; ok {
		return info.color
	}
	return "#9ca3af"
}

func (s Status) IsCancelled() bool {
	return s == StatusCancelledByPatient || s == StatusCancelledByClinic
}

func (s Status) IsConfirmed() bool {
	switch s {
	case StatusConfirmed, StatusConfirmedByClinic, StatusConfirmedByPatient:
		return true
	}
	return false
}

func (s Status) IsRescheduled() bool {
	return s == StatusRescheduled || s == StatusRescheduledByPatient
}

func (s Status) IsNoShow() bool {
	return s == StatusNoShowExcused || s == StatusNoShowUnexcused
}

// IsTerminal reports states with no outgoing edges.
func (s Status) IsTerminal() bool {
	return s.IsCancelled() || s.IsNoShow() || s == StatusCompleted
}

var outcomes = []Status{
	StatusAttended, StatusCompleted, StatusNoShowExcused, StatusNoShowUnexcused,
}

var exits = []Status{
	StatusRescheduled, StatusRescheduledByPatient,
	StatusCancelledByPatient, StatusCancelledByClinic,
}

func edges(groups ...[]Status) map[Status]bool {
	m := make(map[Status]bool)
	for _, g := range groups {
		for _, s := range g {
			m[s] = true
		}
	}
	return m
}

var confirmations = []Status{StatusConfirmed, StatusConfirmedByClinic, StatusConfirmedByPatient}

var adjacency = map[Status]map[Status]bool{
	StatusReserved:              edges([]Status{StatusConfirmationRequested}, confirmations, exits, outcomes),
	StatusConfirmationRequested: edges(confirmations, exits, outcomes),
	StatusConfirmed:             edges(confirmations, exits, outcomes),
	StatusConfirmedByClinic:     edges(confirmations, exits, outcomes),
	StatusConfirmedByPatient:    edges(confirmations, exits, outcomes),
	StatusRescheduled:           edges([]Status{StatusReserved, StatusCancelledByPatient, StatusCancelledByClinic}),
	StatusRescheduledByPatient:  edges([]Status{StatusReserved, StatusCancelledByPatient, StatusCancelledByClinic}),
	StatusAttended:              edges([]Status{StatusCompleted}),
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Re-applying the current status is always allowed.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return adjacency[from][to]
}

// TransitionPolicy selects whether the engine enforces the graph.
type TransitionPolicy int

const (
	// PolicyPermissive accepts any valid target status.
	PolicyPermissive TransitionPolicy = iota
	// PolicyStrict rejects edges missing from the graph.
	PolicyStrict
)
