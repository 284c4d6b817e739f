package workflow

import "strings"

const (
	StateQueued     = "queued"
	StateAssigned   = "assigned"
	StateInProgress = "in_progress"
	StateEscalated  = "escalated"
	StateClosed     = "closed"
	StateCancelled  = "cancelled"
)

const (
	EventAssign   = "assign"
	EventAccept   = "accept"
	EventEscalate = "escalate"
	EventRequeue  = "requeue"
	EventClose    = "close"
	EventCancel   = "cancel"
)

// transitions is keyed by event, then by source state.
var transitions = map[string]map[string]string{
	EventAssign: {
		StateQueued:    StateAssigned,
		StateEscalated: StateAssigned,
	},
	EventAccept: {
		StateAssigned:  StateInProgress,
		StateEscalated: StateInProgress,
	},
	EventEscalate: {
		StateQueued:     StateEscalated,
		StateAssigned:   StateEscalated,
		StateInProgress: StateEscalated,
		StateEscalated:  StateEscalated,
	},
	EventRequeue: {
		StateAssigned: StateQueued,
	},
	EventClose: {
		StateAssigned:   StateClosed,
		StateInProgress: StateClosed,
		StateEscalated:  StateClosed,
	},
	EventCancel: {
		StateQueued:     StateCancelled,
		StateAssigned:   StateCancelled,
		StateInProgress: StateCancelled,
		StateEscalated:  StateCancelled,
	},
}

func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Next returns the state reached by applying event in state from.
func Next(from string, event string) (string, bool) {
	next := transitions[Normalize(event)]
	if next == nil {
		return "", false
	}
	to, ok := next[Normalize(from)]
	return to, ok
}

func CanApply(from string, event string) bool {
	_, ok := Next(from, event)
	return ok
}

func IsTerminal(state string) bool {
	switch Normalize(state) {
	case StateClosed, StateCancelled:
		return true
	}
	return false
}

func IsKnownState(state string) bool {
	for _, s := range AllStates() {
		if s == Normalize(state) {
			return true
		}
	}
	return false
}

func AllStates() []string {
	return []string{
		StateQueued,
		StateAssigned,
		StateInProgress,
		StateEscalated,
		StateClosed,
		StateCancelled,
	}
}

func AllEvents() []string {
	return []string{
		EventAssign,
		EventAccept,
		EventEscalate,
		EventRequeue,
		EventClose,
		EventCancel,
	}
}
