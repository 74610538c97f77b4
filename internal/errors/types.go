package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypePattern    ErrorType = "pattern"
	ErrorTypePlugin     ErrorType = "plugin"
	ErrorTypeBuild      ErrorType = "build"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeWatch      ErrorType = "watch"
	ErrorTypeInternal   ErrorType = "internal"
)

// DevloopError is a structured error type with context.
type DevloopError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Plugin      string
	Phase       string
	FilePath    string
	Recoverable bool
}

// Error implements the error interface.
func (e *DevloopError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Plugin != "" {
		parts = append(parts, "plugin:"+e.Plugin)
	}

	if e.Phase != "" {
		parts = append(parts, "phase:"+e.Phase)
	}

	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *DevloopError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *DevloopError) Is(target error) bool {
	var t *DevloopError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *DevloopError) WithContext(key string, value interface{}) *DevloopError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithFile adds file information.
func (e *DevloopError) WithFile(filePath string) *DevloopError {
	e.FilePath = filePath

	return e
}

// Error creation functions

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string, cause error) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewPatternError creates an error for a glob pattern that failed to compile.
func NewPatternError(pattern string, cause error) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypePattern,
		Code:        ErrCodeInvalidPattern,
		Message:     fmt.Sprintf("invalid pattern %q", pattern),
		Cause:       cause,
		Recoverable: false,
	}
}

// NewHookError wraps a failure raised by a plugin hook.
func NewHookError(plugin, phase string, cause error) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypePlugin,
		Code:        ErrCodeHookFailed,
		Message:     "hook failed",
		Cause:       cause,
		Plugin:      plugin,
		Phase:       phase,
		Recoverable: true,
	}
}

// NewHookPanic wraps a value recovered from a panicking plugin hook.
func NewHookPanic(plugin, phase string, recovered interface{}) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypePlugin,
		Code:        ErrCodeHookPanic,
		Message:     fmt.Sprintf("hook panicked: %v", recovered),
		Plugin:      plugin,
		Phase:       phase,
		Recoverable: true,
	}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewProcessError creates an error for the managed process lifecycle.
func NewProcessError(code, message string, cause error) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypeProcess,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewWatchError creates a watcher error.
func NewWatchError(message string, cause error) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypeWatch,
		Code:        ErrCodeWatchFailed,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *DevloopError {
	return &DevloopError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsType reports whether err is a DevloopError of the given type.
func IsType(err error, t ErrorType) bool {
	var de *DevloopError
	if errors.As(err, &de) {
		return de.Type == t
	}

	return false
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var de *DevloopError
	if errors.As(err, &de) {
		return de.Recoverable
	}

	return false
}

// Common error codes.
const (
	ErrCodeInvalidPath      = "ERR_INVALID_PATH"
	ErrCodeInvalidPattern   = "ERR_INVALID_PATTERN"
	ErrCodeCommandInjection = "ERR_COMMAND_INJECTION"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeHookFailed       = "ERR_HOOK_FAILED"
	ErrCodeHookPanic        = "ERR_HOOK_PANIC"
	ErrCodeBuildFailed      = "ERR_BUILD_FAILED"
	ErrCodeStartFailed      = "ERR_START_FAILED"
	ErrCodeStopFailed       = "ERR_STOP_FAILED"
	ErrCodeAlreadyRunning   = "ERR_ALREADY_RUNNING"
	ErrCodeWatchFailed      = "ERR_WATCH_FAILED"
	ErrCodeDuplicatePlugin  = "ERR_DUPLICATE_PLUGIN"
	ErrCodeInternalError    = "ERR_INTERNAL"
)

// ErrInvalidPath creates a path validation error.
func ErrInvalidPath(path string) *DevloopError {
	return NewValidationError(ErrCodeInvalidPath, "invalid path: "+path)
}

// ErrCommandInjection creates a command validation error.
func ErrCommandInjection(command string) *DevloopError {
	return NewValidationError(
		ErrCodeCommandInjection,
		"command rejected: "+command,
	)
}
