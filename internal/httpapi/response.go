package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Error codes returned in error bodies.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeConflict         = "CONFLICT"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// Error is the body of a failed query.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func fail(w http.ResponseWriter, err *Error) {
	writeJSON(w, err.Status, envelope{Error: err})
}

func badRequest(w http.ResponseWriter, msg string) {
	fail(w, &Error{Code: ErrCodeBadRequest, Message: msg, Status: http.StatusBadRequest})
}

// classify maps a domain error onto an HTTP error body.
func classify(err error) *Error {
	var (
		notFound   *models.NotFoundError
		validation *models.ValidationError
		conflict   *models.ConflictError
		busy       *models.BusyError
		transition *models.InvalidTransitionError
		denied     *models.PolicyDeniedError
	)
	switch {
	case errors.As(err, &notFound):
		return &Error{Code: ErrCodeNotFound, Message: err.Error(), Status: http.StatusNotFound}
	case errors.As(err, &validation):
		return &Error{Code: ErrCodeValidationFailed, Message: err.Error(), Status: http.StatusBadRequest}
	case errors.As(err, &conflict), errors.As(err, &busy), errors.As(err, &transition):
		return &Error{Code: ErrCodeConflict, Message: err.Error(), Status: http.StatusConflict}
	case errors.As(err, &denied):
		return &Error{Code: ErrCodePolicyDenied, Message: err.Error(), Status: http.StatusUnprocessableEntity}
	}
	return &Error{Code: ErrCodeInternalError, Message: err.Error(), Status: http.StatusInternalServerError}
}

// writeCommand answers an operator command. The CommandResult is always the
// body; only the status code reflects the error class.
func writeCommand(w http.ResponseWriter, res models.CommandResult, err error) {
	status := http.StatusOK
	if err != nil {
		status = classify(err).Status
	}
	writeJSON(w, status, res)
}
