package event

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Malformed inbound event. The event is dropped and logged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event (%s): %s", e.Field, e.Reason)
}

// An external classifier (LLM, image model) was unavailable, timed out, or returned unusable output.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Whether the failure was a deadline or network timeout.
func (e *ExternalServiceError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// The storage collaborator failed. Decisions are still applied; audit writes get queued for retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Two stages produced conflicting decisions for a single event. Resolved by taking the more severe action.
type PolicyConflictError struct {
	First  Decision
	Second Decision
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("conflicting decisions: %s vs %s", e.First.Action, e.Second.Action)
}

// The decision that wins the conflict.
func (e *PolicyConflictError) Resolved() Decision {
	return MoreSevere(e.First, e.Second)
}

func IsExternal(err error) bool {
	var ee *ExternalServiceError
	return errors.As(err, &ee)
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
