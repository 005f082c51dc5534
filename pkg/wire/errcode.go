package wire

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed taxonomy of protocol failures.
// Codes are grouped by layer: 1xx discovery, 2xx handshake, 3xx session,
// 4xx control, 5xx stream.
type ErrorCode uint16

const (
	// CodeNone means no error (positive acknowledgment or success).
	CodeNone ErrorCode = 0

	CodeDiscoveryInvalidSignature   ErrorCode = 100
	CodeDiscoveryNonceMismatch      ErrorCode = 101
	CodeDiscoveryUnsupportedVersion ErrorCode = 102

	CodeHandshakeSignatureInvalid    ErrorCode = 200
	CodeHandshakeKeyDerivationFailed ErrorCode = 201
	CodeHandshakeTimeout             ErrorCode = 202
	CodeHandshakeReplay              ErrorCode = 203

	CodeSessionExpired      ErrorCode = 300
	CodeSessionInvalidToken ErrorCode = 301
	CodeSessionMacMismatch  ErrorCode = 302

	// CodeSessionReplay rejects a control sequence at or below the last accepted one.
	CodeSessionReplay ErrorCode = 303

	// CodeSessionClosed resolves waits interrupted by an explicit close.
	CodeSessionClosed ErrorCode = 304

	CodeControlUnknownOp      ErrorCode = 400
	CodeControlPayloadInvalid ErrorCode = 401
	CodeControlUnauthorized   ErrorCode = 402

	// CodeControlTimeout means no acknowledgment arrived within the ack timeout.
	CodeControlTimeout ErrorCode = 403

	CodeStreamBadFormat              ErrorCode = 500
	CodeStreamTooLarge               ErrorCode = 501
	CodeStreamUnsupportedChannelMode ErrorCode = 502
)

// String returns the code name.
func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "NONE"
	case CodeDiscoveryInvalidSignature:
		return "DISCOVERY_INVALID_SIGNATURE"
	case CodeDiscoveryNonceMismatch:
		return "DISCOVERY_NONCE_MISMATCH"
	case CodeDiscoveryUnsupportedVersion:
		return "DISCOVERY_UNSUPPORTED_VERSION"
	case CodeHandshakeSignatureInvalid:
		return "HANDSHAKE_SIGNATURE_INVALID"
	case CodeHandshakeKeyDerivationFailed:
		return "HANDSHAKE_KEY_DERIVATION_FAILED"
	case CodeHandshakeTimeout:
		return "HANDSHAKE_TIMEOUT"
	case CodeHandshakeReplay:
		return "HANDSHAKE_REPLAY"
	case CodeSessionExpired:
		return "SESSION_EXPIRED"
	case CodeSessionInvalidToken:
		return "SESSION_INVALID_TOKEN"
	case CodeSessionMacMismatch:
		return "SESSION_MAC_MISMATCH"
	case CodeSessionReplay:
		return "SESSION_REPLAY"
	case CodeSessionClosed:
		return "SESSION_CLOSED"
	case CodeControlUnknownOp:
		return "CONTROL_UNKNOWN_OP"
	case CodeControlPayloadInvalid:
		return "CONTROL_PAYLOAD_INVALID"
	case CodeControlUnauthorized:
		return "CONTROL_UNAUTHORIZED"
	case CodeControlTimeout:
		return "CONTROL_TIMEOUT"
	case CodeStreamBadFormat:
		return "STREAM_BAD_FORMAT"
	case CodeStreamTooLarge:
		return "STREAM_TOO_LARGE"
	case CodeStreamUnsupportedChannelMode:
		return "STREAM_UNSUPPORTED_CHANNEL_MODE"
	default:
		return "UNKNOWN"
	}
}

// Error lets a bare code act as a sentinel for errors.Is.
func (c ErrorCode) Error() string {
	return c.String()
}

// IsTimeout returns true for codes that report an expired wait rather
// than an explicit rejection.
func (c ErrorCode) IsTimeout() bool {
	return c == CodeHandshakeTimeout || c == CodeControlTimeout
}

// IsFatal returns true if the failure ends the session.
// Handshake failures and session authentication failures are fatal;
// replay rejections, control and stream errors are not.
func (c ErrorCode) IsFatal() bool {
	switch c {
	case CodeHandshakeSignatureInvalid, CodeHandshakeKeyDerivationFailed,
		CodeHandshakeTimeout, CodeHandshakeReplay,
		CodeSessionExpired, CodeSessionInvalidToken, CodeSessionMacMismatch,
		CodeSessionClosed:
		return true
	default:
		return false
	}
}

// Error is a protocol failure carrying an ErrorCode.
type Error struct {
	Code   ErrorCode
	Detail string

	// Cause is the underlying error, if any.
	Cause error

	timeout bool
}

// NewError creates a protocol error with an optional formatted detail.
func NewError(code ErrorCode, format string, args ...any) *Error {
	e := &Error{Code: code}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

// NewTimeoutError creates a protocol error that reports an expired wait.
// Used for codes like CodeSessionExpired that are reached both by timeout
// and by explicit rejection.
func NewTimeoutError(code ErrorCode, format string, args ...any) *Error {
	e := NewError(code, format, args...)
	e.timeout = true
	return e
}

// WrapError creates a protocol error around an underlying cause.
func WrapError(code ErrorCode, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := "fixlink: " + e.Code.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches a bare ErrorCode or another *Error with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	default:
		return false
	}
}

// IsTimeout returns true if the error reports an expired wait.
func (e *Error) IsTimeout() bool {
	return e.timeout || e.Code.IsTimeout()
}

// IsFatal returns true if the error ends the session.
func (e *Error) IsFatal() bool {
	return e.Code.IsFatal()
}

// CodeOf extracts the protocol code from an error chain.
// Returns CodeNone if the chain carries no protocol error.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return CodeNone
}

// IsTimeout reports whether err is a protocol timeout.
func IsTimeout(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.IsTimeout()
	}
	return CodeOf(err).IsTimeout()
}
