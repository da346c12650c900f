package boundary

import (
	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/engine"
)

// StepView is a flat rendering of an engine.Step. Only the fields of its
// Kind are set. Request and Tokens are child handles the host must release
// exactly once with ReleaseRequest and ReleaseTokens.
type StepView struct {
	Kind engine.StepKind

	URL string

	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	WaitSeconds             int64

	Request Handle
	Tokens  Handle

	ErrorKind        autherr.Kind
	ErrorCode        autherr.Code
	ErrorDescription string
	ErrorStatus      int
}

// view flattens step, registering child values under owner.
func (b *Bridge) view(owner Handle, step engine.Step) StepView {
	v := StepView{Kind: step.Kind()}
	switch s := step.(type) {
	case engine.NeedAuthorizationURL:
		v.URL = s.URL
	case engine.NeedDeviceAuthorizationRequest:
		v.Request = b.add(entry{kind: kindRequest, owner: owner, request: s.Request})
	case engine.NeedUserCode:
		v.UserCode = s.UserCode
		v.VerificationURI = s.VerificationURI
		v.VerificationURIComplete = s.VerificationURIComplete
		v.WaitSeconds = s.WaitSeconds
	case engine.NeedPoll:
		v.WaitSeconds = s.WaitSeconds
		if s.Request != nil {
			v.Request = b.add(entry{kind: kindRequest, owner: owner, request: *s.Request})
		}
	case engine.NeedTokenExchange:
		v.Request = b.add(entry{kind: kindRequest, owner: owner, request: s.Request})
	case engine.Completed:
		v.Tokens = b.add(entry{kind: kindTokens, owner: owner, tokens: s.Tokens})
	case engine.Failed:
		v.ErrorKind = s.Err.Kind
		v.ErrorCode = s.Err.Code
		v.ErrorDescription = s.Err.Description
		v.ErrorStatus = s.Err.Status
	}
	return v
}
