package types

import "fmt"

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`   // JSON path to the field (e.g., "confidence.keyphrase")
	Message string `json:"message"` // Human-readable error message
	Value   any    `json:"value"`   // The invalid value that was provided
}

// ValidationError collects multiple field validation errors.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationError creates a new empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{
		Errors: make([]FieldError, 0),
	}
}

// Add adds a field error to the collection.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	first := v.Errors[0]
	msg := first.Field + " " + first.Message
	if first.Field == "" {
		msg = first.Message
	}
	if n := len(v.Errors) - 1; n > 0 {
		return fmt.Sprintf("%s (and %d more)", msg, n)
	}
	return msg
}

// StatusCode implements [StatusCoder].
func (v *ValidationError) StatusCode() Status {
	return StatusInvalidParameter
}
