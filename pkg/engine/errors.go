// Package engine defines the core types and errors shared by the identity engine,
// its command channel and the SDK.
package engine

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	// KindValidation marks malformed input.
	KindValidation Kind = "validation"
	// KindState marks a violated registry or grant precondition.
	KindState Kind = "state"
	// KindAuthorization marks a caller that is not allowed to act on the key.
	KindAuthorization Kind = "authorization"
	// KindCodec marks a malformed or unsupported content identifier.
	KindCodec Kind = "codec"
	// KindExternal marks a capture, hashing or matching service failure.
	// It is the only transient kind.
	KindExternal Kind = "external"
	// KindInternal marks a failure of the service itself, such as a table
	// write that should not have failed.
	KindInternal Kind = "internal"
)

// Code is a machine-readable reason code. Every rejection carries one.
type Code string

const (
	CodeInvalidCommitmentLength Code = "INVALID_COMMITMENT_LENGTH"
	CodeInvalidCommitment       Code = "INVALID_COMMITMENT"
	CodeInvalidPrincipal        Code = "INVALID_PRINCIPAL"
	CodeInvalidDuration         Code = "INVALID_DURATION"
	CodeInvalidGuardian         Code = "INVALID_GUARDIAN"
	CodeInvalidBatch            Code = "INVALID_BATCH"

	CodeAlreadyRegistered Code = "ALREADY_REGISTERED"
	CodeNotRegistered     Code = "NOT_REGISTERED"
	CodeNoSuchGrant       Code = "NO_SUCH_GRANT"
	CodeCommitmentChanged Code = "COMMITMENT_CHANGED"

	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeAccessDenied Code = "ACCESS_DENIED"

	CodeMalformedContentID    Code = "MALFORMED_CONTENT_ID"
	CodeUnsupportedDescriptor Code = "UNSUPPORTED_DESCRIPTOR"

	CodeDeviceUnavailable   Code = "DEVICE_UNAVAILABLE"
	CodeHashingFailed       Code = "HASHING_FAILED"
	CodeMatchFailed         Code = "MATCH_FAILED"
	CodeArtifactUnavailable Code = "ARTIFACT_UNAVAILABLE"
	CodeTimeout             Code = "TIMEOUT"
	CodeCancelled           Code = "CANCELLED"

	CodeInternal Code = "INTERNAL"

	// CodeNoMatch is the reason attached to a completed attempt whose
	// capture did not match the reference artifact. It never appears on an
	// error value.
	CodeNoMatch Code = "NO_MATCH"
)

var codeKinds = map[Code]Kind{
	CodeInvalidCommitmentLength: KindValidation,
	CodeInvalidCommitment:       KindValidation,
	CodeInvalidPrincipal:        KindValidation,
	CodeInvalidDuration:         KindValidation,
	CodeInvalidGuardian:         KindValidation,
	CodeInvalidBatch:            KindValidation,
	CodeAlreadyRegistered:       KindState,
	CodeNotRegistered:           KindState,
	CodeNoSuchGrant:             KindState,
	CodeCommitmentChanged:       KindState,
	CodeUnauthorized:            KindAuthorization,
	CodeAccessDenied:            KindAuthorization,
	CodeMalformedContentID:      KindCodec,
	CodeUnsupportedDescriptor:   KindCodec,
	CodeDeviceUnavailable:       KindExternal,
	CodeHashingFailed:           KindExternal,
	CodeMatchFailed:             KindExternal,
	CodeArtifactUnavailable:     KindExternal,
	CodeTimeout:                 KindExternal,
	CodeCancelled:               KindExternal,
	CodeInternal:                KindInternal,
}

// KindFor returns the kind a code belongs to. Unknown codes are external.
func KindFor(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindExternal
}

// Error is the coded domain error returned by every engine operation.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error. The kind is derived from the code.
func New(code Code, message string) *Error {
	return &Error{Kind: KindFor(code), Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a coded error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Kind: KindFor(code), Code: code, Message: message, Cause: cause}
}

var (
	ErrInvalidCommitmentLength = New(CodeInvalidCommitmentLength, "commitment must be 32 bytes")
	ErrInvalidCommitment       = New(CodeInvalidCommitment, "commitment must not be zero")
	ErrInvalidPrincipal        = New(CodeInvalidPrincipal, "principal must not be empty")
	ErrInvalidDuration         = New(CodeInvalidDuration, "duration must be positive")
	ErrInvalidGuardian         = New(CodeInvalidGuardian, "owner cannot be its own guardian")
	ErrInvalidBatch            = New(CodeInvalidBatch, "sample batch is empty or too large")

	ErrAlreadyRegistered = New(CodeAlreadyRegistered, "identity already registered")
	ErrNotRegistered     = New(CodeNotRegistered, "identity not registered")
	ErrNoSuchGrant       = New(CodeNoSuchGrant, "no grant for owner and accessor")
	ErrCommitmentChanged = New(CodeCommitmentChanged, "commitment changed during verification")

	ErrUnauthorized = New(CodeUnauthorized, "caller is not the owning principal")
	ErrAccessDenied = New(CodeAccessDenied, "caller holds no active grant")

	ErrMalformedContentID    = New(CodeMalformedContentID, "malformed content identifier")
	ErrUnsupportedDescriptor = New(CodeUnsupportedDescriptor, "unsupported content identifier descriptor")

	ErrDeviceUnavailable   = New(CodeDeviceUnavailable, "capture device unavailable")
	ErrHashingFailed       = New(CodeHashingFailed, "content hashing failed")
	ErrMatchFailed         = New(CodeMatchFailed, "biometric matching failed")
	ErrArtifactUnavailable = New(CodeArtifactUnavailable, "reference artifact unavailable")
	ErrTimeout             = New(CodeTimeout, "external service timed out")
	ErrCancelled           = New(CodeCancelled, "verification cancelled")

	ErrInternal = New(CodeInternal, "internal failure")
)

// CodeOf extracts the reason code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf extracts the error kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err is transient. Only external service
// failures are; everything else needs corrected input or state.
func Retryable(err error) bool {
	return KindOf(err) == KindExternal
}
