package engine

import (
	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/httpmsg"
)

// StepKind identifies a Step variant without a type switch.
type StepKind uint8

const (
	KindNeedAuthorizationURL StepKind = iota + 1
	KindNeedDeviceAuthorizationRequest
	KindNeedUserCode
	KindNeedPoll
	KindNeedTokenExchange
	KindCompleted
	KindFailed
)

func (k StepKind) String() string {
	switch k {
	case KindNeedAuthorizationURL:
		return "need_authorization_url"
	case KindNeedDeviceAuthorizationRequest:
		return "need_device_authorization_request"
	case KindNeedUserCode:
		return "need_user_code"
	case KindNeedPoll:
		return "need_poll"
	case KindNeedTokenExchange:
		return "need_token_exchange"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Step tells the host what to do next. The set of implementations is closed.
type Step interface {
	Kind() StepKind
	clone() Step
}

// NeedAuthorizationURL asks the host to send the user to URL and return the
// authorization code (or the full redirect) it receives.
type NeedAuthorizationURL struct {
	URL string
}

// NeedDeviceAuthorizationRequest asks the host to execute Request against the
// device authorization endpoint.
type NeedDeviceAuthorizationRequest struct {
	Request httpmsg.Request
}

// NeedUserCode asks the host to show UserCode and VerificationURI to the user.
// WaitSeconds is the time left before the first poll, rounded up.
type NeedUserCode struct {
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	WaitSeconds             int64
}

// NeedPoll asks the host to wait WaitSeconds and tick again. Request is set
// exactly when WaitSeconds is zero and must then be executed.
type NeedPoll struct {
	WaitSeconds int64
	Request     *httpmsg.Request
}

// NeedTokenExchange asks the host to execute Request against the token
// endpoint.
type NeedTokenExchange struct {
	Request httpmsg.Request
}

// Completed is terminal success.
type Completed struct {
	Tokens TokenSet
}

// Failed is terminal failure.
type Failed struct {
	Err *autherr.Error
}

func (NeedAuthorizationURL) Kind() StepKind           { return KindNeedAuthorizationURL }
func (NeedDeviceAuthorizationRequest) Kind() StepKind { return KindNeedDeviceAuthorizationRequest }
func (NeedUserCode) Kind() StepKind                   { return KindNeedUserCode }
func (NeedPoll) Kind() StepKind                       { return KindNeedPoll }
func (NeedTokenExchange) Kind() StepKind              { return KindNeedTokenExchange }
func (Completed) Kind() StepKind                      { return KindCompleted }
func (Failed) Kind() StepKind                         { return KindFailed }

func (s NeedAuthorizationURL) clone() Step { return s }

func (s NeedDeviceAuthorizationRequest) clone() Step {
	return NeedDeviceAuthorizationRequest{Request: s.Request.Clone()}
}

func (s NeedUserCode) clone() Step { return s }

func (s NeedPoll) clone() Step {
	if s.Request == nil {
		return s
	}
	req := s.Request.Clone()
	return NeedPoll{WaitSeconds: s.WaitSeconds, Request: &req}
}

func (s NeedTokenExchange) clone() Step {
	return NeedTokenExchange{Request: s.Request.Clone()}
}

func (s Completed) clone() Step { return s }

func (s Failed) clone() Step {
	if s.Err == nil {
		return s
	}
	e := *s.Err
	return Failed{Err: &e}
}

// IsTerminal reports whether s is Completed or Failed.
func IsTerminal(s Step) bool {
	k := s.Kind()
	return k == KindCompleted || k == KindFailed
}

func fail(err *autherr.Error) Step {
	return Failed{Err: err}
}
