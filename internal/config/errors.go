package config

import "errors"

// Sentinel errors, mirroring tarsy's pkg/config/errors.go.
var (
	ErrConfigNotFound       = errors.New("config: file not found")
	ErrInvalidYAML          = errors.New("config: invalid yaml")
	ErrValidationFailed     = errors.New("config: validation failed")
	ErrMissingRequiredField = errors.New("config: missing required field")
	ErrInvalidValue         = errors.New("config: invalid value")
)

// ValidationError wraps a field-level validation failure with enough
// context to report a precise operator-facing message.
type ValidationError struct {
	Component string
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	return "config: " + e.Component + "." + e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError constructs a ValidationError.
func NewValidationError(component, field string, err error) *ValidationError {
	return &ValidationError{Component: component, Field: field, Err: err}
}

// LoadError wraps a failure to load or parse a config file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return "config: load " + e.File + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError constructs a LoadError.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
