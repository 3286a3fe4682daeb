// Package errors provides the error taxonomy for the package distribution engine.
// It extends Go's standard error handling with structured error codes and the
// request context (endpoint, HTTP status, artifact) an operator needs to act on
// a failed upload.
package errors

// ErrorCode represents a specific failure class of an upload run.
// Error codes are string-based for debuggability and natural JSON serialization.
type ErrorCode string

const (
	// Authentication errors.

	// CodeAuthentication indicates the server rejected the supplied credentials
	// or a token could not be obtained.
	CodeAuthentication ErrorCode = "AUTHENTICATION_FAILURE"

	// Lookup errors.

	// CodeNotFound indicates a requested record does not exist. Used internally;
	// absence of an existing package record is a normal condition.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// Transfer errors.

	// CodeAmbiguous indicates a transfer whose HTTP-level signal cannot
	// distinguish "stored" from "not stored".
	CodeAmbiguous ErrorCode = "TRANSIENT_AMBIGUOUS"

	// CodeTransfer indicates a determinate byte transfer failure.
	CodeTransfer ErrorCode = "DETERMINATE_TRANSFER_FAILURE"

	// CodeShareUnreachable indicates a file share could not be mounted or reached.
	CodeShareUnreachable ErrorCode = "SHARE_UNREACHABLE"

	// CodeStorageCredentials indicates object storage rejected the temporary credentials.
	CodeStorageCredentials ErrorCode = "STORAGE_CREDENTIALS_REJECTED"

	// Metadata errors.

	// CodeMetadata indicates the package record could not be created or updated
	// after the bytes were transferred.
	CodeMetadata ErrorCode = "METADATA_RECONCILIATION_FAILURE"

	// Validation errors.

	// CodeInvalidInput indicates the provided input is invalid or malformed.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidConfig indicates a configuration error prevents the run.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIGURATION"

	// Infrastructure errors.

	// CodeNetwork indicates a network operation failed before a response arrived.
	CodeNetwork ErrorCode = "NETWORK_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeUnavailable indicates the server is temporarily unavailable.
	CodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Generic errors.

	// CodeUnknown indicates an unknown or unclassified error occurred.
	CodeUnknown ErrorCode = "UNKNOWN"
)
