// Package errors defines the structured error taxonomy used across devloop.
//
// Errors fall into a handful of categories that decide how they surface:
// configuration errors are fatal before the server starts, build errors are
// reported to the terminal and overlay but never stop the dev server,
// type-check desynchronisation is logged loudly and dropped, transport
// errors are expected and silently recovered, and enhancement failures
// degrade to unmapped locations.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeBuild       ErrorType = "build"
	ErrorTypeTypeCheck   ErrorType = "typecheck"
	ErrorTypeTransport   ErrorType = "transport"
	ErrorTypeEnhancement ErrorType = "enhancement"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeInternal    ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeConfigInvalid   = "ERR_CONFIG_INVALID"
	ErrCodeBuildFailed     = "ERR_BUILD_FAILED"
	ErrCodeHashMismatch    = "ERR_TYPECHECK_HASH_MISMATCH"
	ErrCodeEndpointClosed  = "ERR_ENDPOINT_CLOSED"
	ErrCodeStreamingFailed = "ERR_STREAMING_UNSUPPORTED"
	ErrCodeSocket          = "ERR_SOCKET"
	ErrCodeSourceMap       = "ERR_SOURCE_MAP"
	ErrCodeFileRead        = "ERR_FILE_READ"
	ErrCodeInternalError   = "ERR_INTERNAL"
)

var (
	// ErrHashMismatch is matched by errors.Is when a type-check result
	// arrives for a build that has already been superseded.
	ErrHashMismatch = &DevError{Type: ErrorTypeTypeCheck, Code: ErrCodeHashMismatch}

	// ErrClosed is matched by errors.Is once the event-stream endpoint has
	// been closed.
	ErrClosed = &DevError{Type: ErrorTypeTransport, Code: ErrCodeEndpointClosed}
)

// DevError is a structured error type with context.
type DevError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *DevError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *DevError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so sentinels compare equal to any error of the
// same kind regardless of message.
func (e *DevError) Is(target error) bool {
	var t *DevError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *DevError) WithContext(key string, value interface{}) *DevError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *DevError) WithLocation(filePath string, line, column int) *DevError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *DevError {
	return &DevError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewBuildError creates a build error.
func NewBuildError(code, message string, cause error) *DevError {
	return &DevError{
		Type:        ErrorTypeBuild,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewHashMismatchError reports a type-check result for a superseded build.
func NewHashMismatchError(want, got string) *DevError {
	return (&DevError{
		Type:    ErrorTypeTypeCheck,
		Code:    ErrCodeHashMismatch,
		Message: fmt.Sprintf("type check finished for build %q but current build is %q", got, want),
	}).WithContext("current_hash", want).WithContext("issues_hash", got)
}

// NewTransportError creates a transport error. These are always recoverable.
func NewTransportError(code, message string, cause error) *DevError {
	return &DevError{
		Type:        ErrorTypeTransport,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewEnhancementError creates a stack frame enhancement error.
func NewEnhancementError(code, message string, cause error) *DevError {
	return &DevError{
		Type:        ErrorTypeEnhancement,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *DevError {
	return &DevError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var de *DevError
	if errors.As(err, &de) {
		return de.Recoverable
	}

	return false
}

// IsConfigError checks if an error is a configuration error.
func IsConfigError(err error) bool {
	var de *DevError
	if errors.As(err, &de) {
		return de.Type == ErrorTypeConfig
	}

	return false
}

// Logger is the subset of logging.Logger the handler needs.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
	Debug(ctx context.Context, msg string, fields ...interface{})
}

// ErrorHandler routes errors to the logger according to their category.
type ErrorHandler struct {
	logger Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err at the level its category calls for. Nil is ignored.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var de *DevError
	if !errors.As(err, &de) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	switch {
	case de.Type == ErrorTypeTransport:
		h.logger.Debug(ctx, "Transport error", "code", de.Code, "error", de.Error())
	case de.Type == ErrorTypeTypeCheck:
		h.logger.Error(ctx, de, "Type check result dropped",
			"code", de.Code)
	case IsRecoverable(de):
		h.logger.Warn(ctx, de, "Recoverable error occurred",
			"type", de.Type,
			"code", de.Code,
			"file", de.FilePath)
	default:
		h.logger.Error(ctx, de, "Error occurred",
			"type", de.Type,
			"code", de.Code)
	}
}

// Recover converts a panic in a hot-path callback into a logged error so it
// never crosses the callback boundary. Use as `defer errors.Recover(ctx, h, "where")`.
func Recover(ctx context.Context, h *ErrorHandler, where string) {
	r := recover()
	if r == nil {
		return
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	if h != nil {
		h.Handle(ctx, NewInternalError(ErrCodeInternalError, "panic in "+where, err))
	}
}
