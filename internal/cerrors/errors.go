// Package cerrors provides the closed error taxonomy for cloudexp.
// Every failure the core returns is one of a fixed set of Kinds,
// optionally carrying a Sub-kind and the state-machine Phase it
// occurred in. Callers use errors.As against the single concrete
// *Error type rather than matching on message text.
package cerrors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories from spec §7.
type Kind string

const (
	InvalidInput       Kind = "invalid_input"
	AuthError          Kind = "auth_error"
	NetworkError       Kind = "network_error"
	ProtocolError      Kind = "protocol_error"
	ServiceUnavailable Kind = "service_unavailable"
	EncryptionFailed   Kind = "encryption_failed"
	PackagingError     Kind = "packaging_error"
	ReportError        Kind = "report_error"
	Timeout            Kind = "timeout"
	Cancelled          Kind = "cancelled"
	InternalError      Kind = "internal_error"
)

// Sub-kinds for NetworkError.
const (
	SubConnect   = "connect"
	SubTimeout   = "timeout"
	SubUpload    = "upload"
	SubDownload  = "download"
	SubTruncated = "truncated"
)

// Sub-kinds for ProtocolError.
const (
	SubMalformedResponse = "malformed_response"
	SubRejected          = "rejected"
	SubUnknownCode       = "unknown_code"
	SubVersionMismatch   = "version_mismatch"
)

// Sub-kinds for EncryptionFailed.
const (
	SubKey     = "key"
	SubKeyWrap = "key_wrap"
	SubSeal    = "seal"
	SubOpen    = "open"
	SubKDF     = "kdf"
	SubIO      = "io"
)

// Sub-kinds for ReportError.
const (
	SubMissingField = "missing_field"
	SubParse        = "parse"
)

// Error is the single concrete error type the core returns for a
// failed operation.
type Error struct {
	Kind    Kind
	Sub     string // machine-readable sub-kind; empty if Kind has none
	Phase   string // state-machine phase the failure occurred in
	Status  int    // HTTP status, if applicable
	Message string
	Err     error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Sub != "" {
		s += "/" + e.Sub
	}
	if e.Phase != "" {
		s = e.Phase + ": " + s
	}
	switch {
	case e.Message != "":
		s += ": " + e.Message
	case e.Err != nil:
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on Kind (and Sub, if the target sets one),
// ignoring Phase/Message/Err/Status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind == "" {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Sub == "" || t.Sub == e.Sub
}

func newErr(kind Kind, phase, sub, message string, err error) *Error {
	return &Error{Kind: kind, Sub: sub, Phase: phase, Message: message, Err: err}
}

// NewInvalidInput builds a caller-side precondition failure (missing
// workload, non-ELF file, unknown core, empty name).
func NewInvalidInput(phase, message string) *Error {
	return newErr(InvalidInput, phase, "", message, nil)
}

// NewAuthError builds an HTTP 401/403 failure.
func NewAuthError(phase string, status int) *Error {
	return &Error{Kind: AuthError, Phase: phase, Status: status, Message: "credentials rejected"}
}

// NewNetworkError builds a transport failure observed after retries
// are exhausted.
func NewNetworkError(phase, sub string, status int, err error) *Error {
	return &Error{Kind: NetworkError, Sub: sub, Phase: phase, Status: status, Err: err}
}

// NewProtocolError builds a well-formed-but-unactionable response failure.
func NewProtocolError(phase, sub string, status int, message string) *Error {
	return &Error{Kind: ProtocolError, Sub: sub, Phase: phase, Status: status, Message: message}
}

// NewServiceUnavailable builds a pre-submission worker-health failure.
func NewServiceUnavailable(phase, message string) *Error {
	return newErr(ServiceUnavailable, phase, "", message, nil)
}

// NewEncryptionFailed builds a crypto or crypto-I/O failure.
func NewEncryptionFailed(phase, sub string, err error) *Error {
	return newErr(EncryptionFailed, phase, sub, "", err)
}

// NewPackagingError builds a tar build/extract failure, including
// path-traversal rejections.
func NewPackagingError(phase, message string, err error) *Error {
	return newErr(PackagingError, phase, "", message, err)
}

// NewReportError builds a summary-parsing failure.
func NewReportError(phase, sub, message string) *Error {
	return newErr(ReportError, phase, sub, message, nil)
}

// NewTimeout builds a polling-deadline-exceeded failure.
func NewTimeout(phase string) *Error {
	return newErr(Timeout, phase, "", "deadline exceeded", nil)
}

// NewCancelled builds a cooperative-cancellation failure.
func NewCancelled(phase string) *Error {
	return newErr(Cancelled, phase, "", "operation cancelled", nil)
}

// NewInternalError builds an invariant-violation failure. Seeing one
// in the wild is a bug: the state machine reached a state it shouldn't.
func NewInternalError(phase, message string) *Error {
	return newErr(InternalError, phase, "", message, nil)
}

// Is reports whether err is a *cerrors.Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// As re-exports errors.As so callers don't need two error imports.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrap adds context to err while preserving the chain for errors.As/Is.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
