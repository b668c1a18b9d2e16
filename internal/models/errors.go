package models

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed signal, action or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// PolicyDeniedError is returned when the policy gate blocks an action.
type PolicyDeniedError struct {
	Rule   string
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", e.Rule, e.Reason)
}

// ConflictError reports that the entity moved on before the caller's mutation landed.
type ConflictError struct {
	ID     string
	Status string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("%s is no longer pending (status %s)", e.ID, e.Status)
}

// BusyError is returned when an execution is already in flight for an incident.
type BusyError struct {
	IncidentID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("incident %s already has an execution in flight", e.IncidentID)
}

// ExecutionError wraps a backend failure and whether it may be retried.
type ExecutionError struct {
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err == nil {
		return kind + " execution failure"
	}
	return fmt.Sprintf("%s execution failure: %v", kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// VerificationTimeoutError is recorded when a fix was applied but the condition never cleared.
type VerificationTimeoutError struct {
	ID      string
	Elapsed string
}

func (e *VerificationTimeoutError) Error() string {
	return fmt.Sprintf("verification for %s timed out after %s", e.ID, e.Elapsed)
}

// InvalidTransitionError reports a state change that is not in the transition table.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	Event  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s from %s", e.Entity, e.ID, e.Event, e.From)
}

// NotFoundError reports an unknown incident, issue or action id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsRetryable reports whether err carries a retryable execution failure.
func IsRetryable(err error) bool {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return false
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
