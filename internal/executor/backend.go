package executor

import (
	"context"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Request is one mutation sent to a cluster backend.
type Request struct {
	Type           models.ActionType
	Target         string
	Namespace      string
	Parameters     map[string]string
	IdempotencyKey string
}

// Response is the backend's answer to a Request. Success=false is a definitive
// failure and is never retried.
type Response struct {
	Success bool
	Message string
	Raw     []byte
}

// Backend applies remediation actions. Transport or API failures are returned
// as *models.ExecutionError so the executor can tell retryable from fatal.
type Backend interface {
	Apply(ctx context.Context, req Request) (Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Response, error)

func (f BackendFunc) Apply(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Retryable marks err as a transient backend failure.
func Retryable(err error) error {
	return &models.ExecutionError{Retryable: true, Err: err}
}

// Fatal marks err as a failure that must not be retried.
func Fatal(err error) error {
	return &models.ExecutionError{Retryable: false, Err: err}
}
