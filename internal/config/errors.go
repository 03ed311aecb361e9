package config

import "fmt"

// StartupConfigError reports an invalid setting found before the pipeline
// starts. It is always fatal.
type StartupConfigError struct {
	Field  string
	Reason string
}

func (e *StartupConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Errorf builds a StartupConfigError for field.
func Errorf(field, format string, args ...interface{}) *StartupConfigError {
	return &StartupConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
