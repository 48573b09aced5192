package webhooks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the parent of every lookup failure
	ErrNotFound = errors.New("not found")

	ErrEndpointNotFound = fmt.Errorf("endpoint %w", ErrNotFound)
	ErrDeliveryNotFound = fmt.Errorf("delivery %w", ErrNotFound)
	ErrEventNotFound    = fmt.Errorf("event %w", ErrNotFound)

	ErrInvalidEndpoint      = errors.New("invalid endpoint")
	ErrInvalidEvent         = errors.New("invalid event")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
)

// ValidationError describes a rejected endpoint field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid endpoint: %s: %s", e.Field, e.Message)
}

// InvalidField names the rejected field
func (e *ValidationError) InvalidField() string {
	return e.Field
}

// Unwrap makes errors.Is(err, ErrInvalidEndpoint) hold
func (e *ValidationError) Unwrap() error {
	return ErrInvalidEndpoint
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
