// Package apperrors defines the failure kinds shared by training, serving and
// the HTTP layer.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Failure kinds. Every error returned across a package boundary wraps exactly
// one of these so callers can branch with errors.Is.
var (
	// ErrConfiguration means the training data or settings cannot be used as configured,
	// e.g. the target column is missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrDataLoad means a source file is unreadable or malformed.
	ErrDataLoad = errors.New("data load error")
	// ErrEmptyInput means prediction was asked for zero records.
	ErrEmptyInput = errors.New("empty input")
	// ErrInputValidation means feature engineering rejected the prediction input.
	ErrInputValidation = errors.New("input validation error")
	// ErrModelUnavailable means the persisted pipeline is missing or corrupt.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrPrediction means the fitted pipeline rejected the engineered features.
	ErrPrediction = errors.New("prediction error")
	// ErrValidation means a request failed field validation before reaching the core.
	ErrValidation = errors.New("validation error")
)

// Wrap tags cause with kind. Both remain reachable through errors.Is.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Wrapf tags a formatted message with kind.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// APIError is the JSON body returned for failed requests. Detail mirrors
// Message for clients that read the "detail" key.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
	Details    any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// MarshalJSON fills Detail from Message when it was left empty.
func (e APIError) MarshalJSON() ([]byte, error) {
	type body APIError
	if e.Detail == "" {
		e.Detail = e.Message
	}
	return json.Marshal(body(e))
}

// FieldError describes a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type kindInfo struct {
	kind   error
	status int
	code   string
}

var kinds = []kindInfo{
	{ErrValidation, http.StatusBadRequest, "VALIDATION_FAILED"},
	{ErrEmptyInput, http.StatusBadRequest, "EMPTY_INPUT"},
	{ErrInputValidation, http.StatusBadRequest, "INPUT_VALIDATION_FAILED"},
	{ErrModelUnavailable, http.StatusServiceUnavailable, "MODEL_UNAVAILABLE"},
	{ErrPrediction, http.StatusUnprocessableEntity, "PREDICTION_FAILED"},
	{ErrConfiguration, http.StatusInternalServerError, "CONFIGURATION_ERROR"},
	{ErrDataLoad, http.StatusInternalServerError, "DATA_LOAD_FAILED"},
}

// HTTPStatus maps an error to the status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.kind) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.kind) {
			return k.code
		}
	}
	return "INTERNAL_SERVER_ERROR"
}

// FromError builds the response body for err.
func FromError(err error) *APIError {
	return &APIError{
		StatusCode: HTTPStatus(err),
		ErrorCode:  Code(err),
		Message:    err.Error(),
		Detail:     err.Error(),
	}
}

// NewValidation builds a 400 response listing the offending fields.
func NewValidation(fields []FieldError) *APIError {
	return &APIError{
		StatusCode: http.StatusBadRequest,
		ErrorCode:  "VALIDATION_FAILED",
		Message:    "request validation failed",
		Detail:     "request validation failed",
		Details:    fields,
	}
}
