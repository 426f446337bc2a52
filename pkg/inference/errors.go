package inference

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrInferenceFailure matches every failed call: transport errors,
	// timeouts and non-success responses.
	ErrInferenceFailure = errors.New("inference: request failed")

	// ErrEmptyFrame is returned when a frame carries no image.
	ErrEmptyFrame = errors.New("inference: empty frame")

	// ErrUnknownCameraType is returned when a frame's source is neither
	// local nor ip.
	ErrUnknownCameraType = errors.New("inference: unknown camera type")
)

// APIError represents a non-success response from the inference service.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the service, or the raw body.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("inference: API error %d", e.StatusCode)
	}
	return fmt.Sprintf("inference: API error %d: %s", e.StatusCode, e.Message)
}

// Is reports APIError as an ErrInferenceFailure.
func (e *APIError) Is(target error) bool {
	return target == ErrInferenceFailure
}

// IsClientError returns true for 4xx responses, usually a bad payload.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// TransportError wraps network failures and timeouts.
type TransportError struct {
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("inference: transport: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports TransportError as an ErrInferenceFailure.
func (e *TransportError) Is(target error) bool {
	return target == ErrInferenceFailure
}
