// Package errors provides structured error handling for portscope.
// Every failure carries an ErrorCode; codes are grouped into the categories the
// scanner acts on (input, permission, network, timeout, storage) so callers can
// decide whether a failure is fatal or belongs in the result model.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"

	// Input errors.
	CodeTargetInvalid   ErrorCode = "TARGET_INVALID"
	CodePortInvalid     ErrorCode = "PORT_INVALID"
	CodeScanTypeInvalid ErrorCode = "SCAN_TYPE_INVALID"

	// Network errors.
	CodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	CodeHostUnreachable    ErrorCode = "HOST_UNREACHABLE"
	CodeConnectionReset    ErrorCode = "CONNECTION_RESET"
	CodeInvalidResponse    ErrorCode = "INVALID_RESPONSE"
	CodeScanFailed         ErrorCode = "SCAN_FAILED"

	// Storage errors.
	CodeStorage         ErrorCode = "STORAGE"
	CodeFileNotFound    ErrorCode = "FILE_NOT_FOUND"
	CodeFilePermission  ErrorCode = "FILE_PERMISSION"
	CodeStoreCorrupt    ErrorCode = "STORE_CORRUPT"
	CodeDirectoryCreate ErrorCode = "DIRECTORY_CREATE"

	// Results database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
)

// Category groups error codes by how the scanner reacts to them.
type Category string

const (
	CategoryInput      Category = "input"
	CategoryPermission Category = "permission"
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryStorage    Category = "storage"
	CategoryOther      Category = "other"
)

// CategoryOf maps an error code to its category.
func CategoryOf(code ErrorCode) Category {
	switch code {
	case CodeValidation, CodeConfiguration, CodeTargetInvalid, CodePortInvalid,
		CodeScanTypeInvalid:
		return CategoryInput
	case CodePermission:
		return CategoryPermission
	case CodeNetworkUnreachable, CodeHostUnreachable, CodeConnectionReset,
		CodeInvalidResponse, CodeScanFailed:
		return CategoryNetwork
	case CodeTimeout:
		return CategoryTimeout
	case CodeStorage, CodeFileNotFound, CodeFilePermission, CodeStoreCorrupt,
		CodeDirectoryCreate:
		return CategoryStorage
	default:
		return CategoryOther
	}
}

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Port      uint16
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	switch {
	case e.Target != "" && e.Port != 0:
		msg = fmt.Sprintf("%s (target: %s:%d)", msg, e.Target, e.Port)
	case e.Target != "":
		msg = fmt.Sprintf("%s (target: %s)", msg, e.Target)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithOperation records which step produced the error.
func (e *ScanError) WithOperation(op string) *ScanError {
	e.Operation = op
	return e
}

// WithPort records the port the error relates to.
func (e *ScanError) WithPort(port uint16) *ScanError {
	e.Port = port
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{Code: code, Message: message}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Cause: err}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target, Cause: err}
}

// StorageError represents a failure reading or writing persisted state.
type StorageError struct {
	Code    ErrorCode
	Message string
	Path    string
	Cause   error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path: %s)", msg, e.Path)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// WrapStorageError wraps an I/O failure on path.
func WrapStorageError(code ErrorCode, message, path string, err error) *StorageError {
	return &StorageError{Code: code, Message: message, Path: path, Cause: err}
}

// DatabaseError represents results-database errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: err}
}

// GetCode extracts the first error code found in err's chain.
func GetCode(err error) ErrorCode {
	var (
		scanErr    *ScanError
		storageErr *StorageError
		dbErr      *DatabaseError
		cfgErr     *ConfigError
	)
	switch {
	case err == nil:
		return CodeUnknown
	case errors.As(err, &scanErr):
		return scanErr.Code
	case errors.As(err, &storageErr):
		return storageErr.Code
	case errors.As(err, &cfgErr):
		return cfgErr.Code
	case errors.As(err, &dbErr):
		return dbErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsCategory reports whether err belongs to category c.
func IsCategory(err error, c Category) bool {
	return err != nil && CategoryOf(GetCode(err)) == c
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeNetworkUnreachable, CodeConnectionReset:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must stop a scan before it starts. Only input
// validation and missing privilege qualify; everything that happens during
// probing is absorbed into results.
func IsFatal(err error) bool {
	switch CategoryOf(GetCode(err)) {
	case CategoryInput, CategoryPermission:
		return true
	default:
		return false
	}
}

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target, reason string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "invalid target specification: "+reason, target)
}

// ErrInvalidPort creates an error for an invalid port specification.
func ErrInvalidPort(spec, reason string) *ScanError {
	return NewScanErrorWithTarget(CodePortInvalid, "invalid port specification: "+reason, spec)
}

// ErrPermissionDenied creates an error for a technique that needs raw sockets.
func ErrPermissionDenied(technique string) *ScanError {
	return NewScanError(CodePermission,
		fmt.Sprintf("%s scan requires raw socket privileges", technique))
}

// ErrUnsupportedFamily creates an error for a target whose address family
// the raw transport cannot craft packets for.
func ErrUnsupportedFamily(target string) *ScanError {
	return NewScanErrorWithTarget(CodePermission,
		"raw sockets support IPv4 targets only", target)
}

// ErrNetworkUnreachable creates an error for unreachable destinations.
func ErrNetworkUnreachable(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeNetworkUnreachable, "network unreachable", target, err)
}

// ErrInvalidResponse creates an error for a malformed reply.
func ErrInvalidResponse(target, reason string) *ScanError {
	return NewScanErrorWithTarget(CodeInvalidResponse, "invalid response: "+reason, target)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}
