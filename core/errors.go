package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeMissingConfig  = "MISSING_CONFIG"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeInvalidBackend = "INVALID_BACKEND"
	ErrCodeConfigFile     = "CONFIG_FILE"
	ErrCodeOutputDir      = "OUTPUT_DIR"
)

// ErrMissingConfig returns an error for a required variable that is not set.
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Required configuration %s is not set", varName),
		Action:  fmt.Sprintf("Set %s in your .env file or environment", varName),
	}
}

// ErrInvalidValue returns an error for a variable whose value failed validation.
func ErrInvalidValue(varName, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid value %q for %s: %s", value, varName, reason),
		Action:  fmt.Sprintf("Correct %s in your .env file or environment", varName),
	}
}

// ErrInvalidBackend returns an error for an unknown PIPELINE_BACKEND.
func ErrInvalidBackend(backend string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidBackend,
		Message: fmt.Sprintf("Unknown pipeline backend %q", backend),
		Action:  "Set PIPELINE_BACKEND to \"stub\" or \"worker\"",
	}
}

// ErrConfigFile returns an error for a config file that could not be read or parsed.
func ErrConfigFile(path string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConfigFile,
		Message: fmt.Sprintf("Cannot load config file %s: %v", path, cause),
		Action:  "Fix the TOML syntax or unset CONFIG_FILE",
	}
}

// ErrOutputDir returns an error when the image output directory is unusable.
func ErrOutputDir(path string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeOutputDir,
		Message: fmt.Sprintf("Output directory %s is not writable: %v", path, cause),
		Action:  "Set OUTPUT_DIR to a writable directory",
	}
}

// IsConfigError checks if an error is a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// GetErrorCode extracts the error code from a ConfigError, or returns empty string
func GetErrorCode(err error) string {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
