package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
	"github.com/wrale/authflow/internal/validation"
)

// defaultIntervalSeconds applies when the server omits interval (RFC 8628
// section 3.2).
const defaultIntervalSeconds = 5

// deviceAuthResponse is the RFC 8628 section 3.2 body.
type deviceAuthResponse struct {
	DeviceCode              string  `json:"device_code"`
	UserCode                string  `json:"user_code"`
	VerificationURI         string  `json:"verification_uri"`
	VerificationURL         string  `json:"verification_url"`
	VerificationURIComplete string  `json:"verification_uri_complete"`
	ExpiresIn               seconds `json:"expires_in"`
	Interval                seconds `json:"interval"`
}

// deviceFlow drives RFC 8628. Timing is anchored to the first observed time
// at or after the device authorization response.
type deviceFlow struct {
	cfg    *config.FlowConfig
	clock  *clock
	tokens tokenIssuer

	deviceCode              string
	userCode                string
	verificationURI         string
	verificationURIComplete string
	expiresInMs             int64
	intervalMs              int64

	anchored    bool
	expiresAtMs int64
	lastPollMs  int64
}

func newDeviceFlow(cfg *config.FlowConfig, clk *clock) *deviceFlow {
	return &deviceFlow{cfg: cfg, clock: clk, tokens: tokenIssuer{cfg: cfg, clock: clk}}
}

func (f *deviceFlow) initial() Step {
	return NeedDeviceAuthorizationRequest{Request: deviceAuthorizationRequest(f.cfg)}
}

func (f *deviceFlow) respond(current Step, resp httpmsg.Response) Step {
	switch current.(type) {
	case NeedDeviceAuthorizationRequest:
		return f.authorized(resp)
	case NeedPoll:
		return f.polled(resp)
	}
	return unexpectedResponse(current)
}

func (f *deviceFlow) tick(current Step) Step {
	if _, ok := current.(NeedDeviceAuthorizationRequest); ok {
		return current
	}
	if !f.anchored {
		f.anchor()
	}
	now := f.clock.now()
	if now > f.expiresAtMs {
		return fail(autherr.Newf(autherr.KindTerminal, autherr.CodeDeviceCodeExpired,
			"device code expired at %d", f.expiresAtMs))
	}
	return f.schedule(current)
}

// authorized handles the device authorization response.
func (f *deviceFlow) authorized(resp httpmsg.Response) Step {
	if e := responseError(resp); e != nil {
		if e.Retryable() {
			return fail(autherr.Newf(autherr.KindProtocol, autherr.CodeUnexpectedResponseInState,
				"device authorization endpoint answered %s", e.Code))
		}
		return fail(e)
	}

	var dr deviceAuthResponse
	if err := json.Unmarshal(resp.Body, &dr); err != nil {
		return fail(malformed("device authorization response: %v", err))
	}
	if err := dr.validate(); err != nil {
		return fail(malformed("device authorization response: %v", err))
	}

	f.deviceCode = dr.DeviceCode
	f.userCode = dr.UserCode
	f.verificationURI = dr.VerificationURI
	f.verificationURIComplete = dr.VerificationURIComplete
	f.expiresInMs = int64(dr.ExpiresIn) * 1000

	interval := int64(dr.Interval)
	if interval == 0 {
		interval = defaultIntervalSeconds
	}
	f.intervalMs = max(interval*1000, f.cfg.PollFloor.Milliseconds())

	if f.clock.set {
		f.anchor()
	}
	return f.schedule(NeedUserCode{})
}

// polled handles a token endpoint response while polling.
func (f *deviceFlow) polled(resp httpmsg.Response) Step {
	e := responseError(resp)
	if e == nil {
		return f.tokens.complete(resp)
	}
	if !f.anchored {
		f.anchor()
	}
	switch {
	case errors.Is(e, autherr.ErrAuthorizationPending):
		f.lastPollMs = f.clock.now()
	case errors.Is(e, autherr.ErrSlowDown):
		// RFC 8628 section 3.5: the interval grows for all later requests.
		capMs := max(f.cfg.MaxPollInterval.Milliseconds(), f.intervalMs)
		f.intervalMs = min(addMs(f.intervalMs, f.cfg.SlowDownIncrement.Milliseconds()), capMs)
		f.lastPollMs = f.clock.now()
	default:
		return fail(e)
	}
	return f.schedule(NeedPoll{})
}

func (f *deviceFlow) anchor() {
	now := f.clock.now()
	f.anchored = true
	f.lastPollMs = now
	f.expiresAtMs = addMs(now, f.expiresInMs)
}

// schedule computes the wait before the next poll. A pending NeedUserCode
// stays displayed until the first poll is due.
func (f *deviceFlow) schedule(current Step) Step {
	remaining := f.intervalMs
	if f.anchored {
		remaining = addMs(f.lastPollMs, f.intervalMs) - f.clock.now()
	}
	wait := waitSeconds(remaining)

	if _, ok := current.(NeedUserCode); ok && wait > 0 {
		return NeedUserCode{
			UserCode:                f.userCode,
			VerificationURI:         f.verificationURI,
			VerificationURIComplete: f.verificationURIComplete,
			WaitSeconds:             wait,
		}
	}
	if wait > 0 {
		return NeedPoll{WaitSeconds: wait}
	}
	req := devicePollRequest(f.cfg, f.deviceCode)
	return NeedPoll{Request: &req}
}

func (dr *deviceAuthResponse) validate() error {
	if dr.VerificationURI == "" {
		dr.VerificationURI = dr.VerificationURL
	}
	switch {
	case dr.DeviceCode == "":
		return errors.New("missing device_code")
	case dr.UserCode == "":
		return errors.New("missing user_code")
	case dr.VerificationURI == "":
		return errors.New("missing verification_uri")
	case dr.ExpiresIn == 0:
		return errors.New("missing expires_in")
	}
	if err := validation.ValidateDisplayCode(dr.UserCode); err != nil {
		return err
	}
	if err := validation.ValidateEndpoint("verification_uri", dr.VerificationURI); err != nil {
		return err
	}
	if dr.VerificationURIComplete != "" {
		if err := validation.ValidateEndpoint("verification_uri_complete", dr.VerificationURIComplete); err != nil {
			return err
		}
	}
	return nil
}

func unexpectedResponse(current Step) Step {
	return fail(autherr.New(autherr.KindProtocol, autherr.CodeUnexpectedResponseInState,
		fmt.Sprintf("no request pending in state %s", current.Kind())))
}
