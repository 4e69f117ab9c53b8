package config

import "fmt"

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
