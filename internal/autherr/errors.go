// Package autherr defines the closed error taxonomy reported by the engine
// and classifies OAuth error responses into it.
package autherr

import "fmt"

// Kind groups error codes by retry policy.
type Kind uint8

const (
	// KindTransient errors leave the flow polling on the engine's schedule.
	KindTransient Kind = iota + 1
	// KindTerminal errors are final answers from the authorization server.
	KindTerminal
	// KindProtocol errors mean the exchange itself went wrong.
	KindProtocol
	// KindInternal errors are caller or environment bugs.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindProtocol:
		return "protocol"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Code identifies a single error within its Kind.
type Code string

// Transient codes per RFC 8628 section 3.5
const (
	CodeAuthorizationPending Code = "authorization_pending"
	CodeSlowDown             Code = "slow_down"
)

// Terminal codes
const (
	CodeAccessDenied         Code = "access_denied"
	CodeExpiredToken         Code = "expired_token"
	CodeInvalidGrant         Code = "invalid_grant"
	CodeDeviceCodeExpired    Code = "device_code_expired"
	CodeInvalidClient        Code = "invalid_client"
	CodeUnauthorizedClient   Code = "unauthorized_client"
	CodeInvalidRequest       Code = "invalid_request"
	CodeInvalidScope         Code = "invalid_scope"
	CodeUnsupportedGrantType Code = "unsupported_grant_type"
)

// Protocol codes
const (
	CodeMalformedResponse         Code = "malformed_response"
	CodeUnexpectedResponseInState Code = "unexpected_response_in_state"
	CodeStateMismatch             Code = "state_mismatch"
	CodeInvalidIDToken            Code = "invalid_id_token"
)

// Internal codes
const (
	CodeInvalidConfig   Code = "invalid_config"
	CodeClockRegression Code = "clock_regression"
	CodeRandomSource    Code = "random_source"
)

// Error is the only error type the engine reports.
type Error struct {
	Kind        Kind
	Code        Code
	Description string
	// Status is the HTTP status of the response that produced the error, or 0.
	Status int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Description)
}

// Is matches on Kind and Code so sentinels work with errors.Is regardless of
// description or status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Retryable reports whether the flow keeps polling after this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// New builds an Error with a description.
func New(kind Kind, code Code, description string) *Error {
	return &Error{Kind: kind, Code: code, Description: description}
}

// Newf builds an Error with a formatted description.
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Description: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is
var (
	ErrAuthorizationPending = &Error{Kind: KindTransient, Code: CodeAuthorizationPending}
	ErrSlowDown             = &Error{Kind: KindTransient, Code: CodeSlowDown}

	ErrAccessDenied         = &Error{Kind: KindTerminal, Code: CodeAccessDenied}
	ErrExpiredToken         = &Error{Kind: KindTerminal, Code: CodeExpiredToken}
	ErrInvalidGrant         = &Error{Kind: KindTerminal, Code: CodeInvalidGrant}
	ErrDeviceCodeExpired    = &Error{Kind: KindTerminal, Code: CodeDeviceCodeExpired}
	ErrInvalidClient        = &Error{Kind: KindTerminal, Code: CodeInvalidClient}
	ErrUnauthorizedClient   = &Error{Kind: KindTerminal, Code: CodeUnauthorizedClient}
	ErrInvalidRequest       = &Error{Kind: KindTerminal, Code: CodeInvalidRequest}
	ErrInvalidScope         = &Error{Kind: KindTerminal, Code: CodeInvalidScope}
	ErrUnsupportedGrantType = &Error{Kind: KindTerminal, Code: CodeUnsupportedGrantType}

	ErrMalformedResponse         = &Error{Kind: KindProtocol, Code: CodeMalformedResponse}
	ErrUnexpectedResponseInState = &Error{Kind: KindProtocol, Code: CodeUnexpectedResponseInState}
	ErrStateMismatch             = &Error{Kind: KindProtocol, Code: CodeStateMismatch}
	ErrInvalidIDToken            = &Error{Kind: KindProtocol, Code: CodeInvalidIDToken}

	ErrInvalidConfig   = &Error{Kind: KindInternal, Code: CodeInvalidConfig}
	ErrClockRegression = &Error{Kind: KindInternal, Code: CodeClockRegression}
	ErrRandomSource    = &Error{Kind: KindInternal, Code: CodeRandomSource}
)
