package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrRouting           = errors.New("routing error")
	ErrDispatchExhausted = errors.New("dispatch exhausted")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrNotFound          = errors.New("not found")
	ErrTenantMismatch    = errors.New("tenant mismatch")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransitionError reports an event that is not legal from the current state.
type TransitionError struct {
	InteractionID string
	From          string
	Event         string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: interaction %s cannot %s from %s", e.InteractionID, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func (e *TransitionError) ErrorDetails() map[string]any {
	return map[string]any{"interaction_id": e.InteractionID, "from": e.From, "event": e.Event}
}

// DispatchExhaustedError is returned once every attempt of an outbound
// dispatch failed. LastErr is the final adapter error.
type DispatchExhaustedError struct {
	InteractionID string
	Channel       string
	Attempts      int
	LastErr       error
}

func (e *DispatchExhaustedError) Error() string {
	msg := fmt.Sprintf("dispatch exhausted: interaction %s on %s after %d attempts", e.InteractionID, e.Channel, e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *DispatchExhaustedError) ErrorDetails() map[string]any {
	return map[string]any{"interaction_id": e.InteractionID, "channel": e.Channel, "attempts": e.Attempts}
}

func (e *DispatchExhaustedError) Unwrap() []error {
	if e.LastErr == nil {
		return []error{ErrDispatchExhausted}
	}
	return []error{ErrDispatchExhausted, e.LastErr}
}
