package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a failed operation together with the request context that
// produced it. It wraps the underlying cause so callers can use errors.Is and
// errors.As against both the sentinels below and the original error.
type Error struct {
	// Op is the operation that failed (e.g., "token", "find", "transfer.legacy")
	Op string

	// Code classifies the failure
	Code ErrorCode

	// Endpoint is the HTTP method and path, or share URL, involved (if applicable)
	Endpoint string

	// Status is the HTTP status code received (0 if no response arrived)
	Status int

	// Artifact is the package name being processed (if applicable)
	Artifact string

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Artifact != "" {
		fmt.Fprintf(&b, " %q", e.Artifact)
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " %s", e.Endpoint)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel matching this error's code.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Code]
	return ok && target == sentinel
}

// WithEndpoint adds endpoint context to an existing error.
func (e *Error) WithEndpoint(method, path string) *Error {
	e.Endpoint = strings.TrimSpace(method + " " + path)
	return e
}

// WithStatus adds the HTTP status code to an existing error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithArtifact adds the artifact name to an existing error.
func (e *Error) WithArtifact(name string) *Error {
	e.Artifact = name
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	if e.Err == nil {
		e.Err = errors.New(message)
		return e
	}
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// New creates a new Error with the given operation, code and underlying error.
func New(op string, code ErrorCode, err error) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Err:  err,
	}
}

// Sentinel errors for the failure classes of an upload run.
// These can be used with errors.Is() for error checking.
var (
	// ErrAuthentication indicates bad credentials or a failed token exchange
	ErrAuthentication = errors.New("authentication failure")

	// ErrNotFound indicates a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrAmbiguous indicates the transfer may or may not have stored the artifact
	ErrAmbiguous = errors.New("transfer outcome ambiguous")

	// ErrTransfer indicates a determinate transfer failure
	ErrTransfer = errors.New("transfer failed")

	// ErrShareUnreachable indicates a file share could not be reached
	ErrShareUnreachable = errors.New("share unreachable")

	// ErrStorageCredentials indicates object storage rejected the temporary credentials
	ErrStorageCredentials = errors.New("storage credentials rejected")

	// ErrMetadataReconciliation indicates the package record could not be written
	ErrMetadataReconciliation = errors.New("metadata reconciliation failed")

	// ErrInvalidInput indicates invalid caller input
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNetwork indicates a network failure before any response
	ErrNetwork = errors.New("network error")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates the server is temporarily unavailable
	ErrUnavailable = errors.New("service unavailable")
)

var sentinels = map[ErrorCode]error{
	CodeAuthentication:     ErrAuthentication,
	CodeNotFound:           ErrNotFound,
	CodeAmbiguous:          ErrAmbiguous,
	CodeTransfer:           ErrTransfer,
	CodeShareUnreachable:   ErrShareUnreachable,
	CodeStorageCredentials: ErrStorageCredentials,
	CodeMetadata:           ErrMetadataReconciliation,
	CodeInvalidInput:       ErrInvalidInput,
	CodeInvalidConfig:      ErrInvalidConfig,
	CodeNetwork:            ErrNetwork,
	CodeTimeout:            ErrTimeout,
	CodeUnavailable:        ErrUnavailable,
}

// CodeOf returns the ErrorCode of the first *Error in err's chain, or the code
// of a matching sentinel. It returns CodeUnknown for unclassified errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// StatusOf returns the HTTP status recorded in err's chain, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsAuthentication checks if an error is an authentication failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsNotFound checks if an error indicates that a record was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the failure class is transient enough for a
// single automatic retry. Ambiguous transfers are never retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}
