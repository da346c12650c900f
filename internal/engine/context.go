// Package engine is a deterministic OAuth state machine. It performs no I/O
// and reads no clock: the host executes the requests it emits and feeds back
// responses and timestamps.
//
// A Context is owned by one goroutine at a time. Distinct contexts share
// nothing and may be driven in parallel.
package engine

import (
	"crypto/rand"
	"io"

	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
)

// generator is the per-flow transition logic.
type generator interface {
	initial() Step
	respond(current Step, resp httpmsg.Response) Step
	tick(current Step) Step
}

// Option configures a Context.
type Option func(*options)

type options struct {
	random io.Reader
}

// WithRandom sets the randomness source for PKCE verifiers, state and nonce.
// A fixed source makes a flow reproducible.
func WithRandom(r io.Reader) Option {
	return func(o *options) {
		if r != nil {
			o.random = r
		}
	}
}

// Context is one in-flight authentication attempt.
type Context struct {
	cfg   config.FlowConfig
	clock clock
	flow  generator
	step  Step
}

// New validates cfg and returns a context positioned at the flow's initial
// step. On error no context is returned.
func New(cfg config.FlowConfig, opts ...Option) (*Context, error) {
	o := options{random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{cfg: cfg.WithDefaults().Clone()}
	if err := c.cfg.Validate(); err != nil {
		return nil, autherr.New(autherr.KindInternal, autherr.CodeInvalidConfig, err.Error())
	}

	switch c.cfg.Flow {
	case config.FlowDevice:
		c.flow = newDeviceFlow(&c.cfg, &c.clock)
	case config.FlowAuthorizationCode:
		f, e := newAuthCodeFlow(&c.cfg, &c.clock, o.random)
		if e != nil {
			return nil, e
		}
		c.flow = f
	case config.FlowTokenExchange:
		c.flow = newExchangeFlow(&c.cfg, &c.clock)
	}
	c.step = c.flow.initial()
	return c, nil
}

// Flow returns the protocol this context drives.
func (c *Context) Flow() config.Flow {
	return c.cfg.Flow
}

// Terminal reports whether the context has completed or failed.
func (c *Context) Terminal() bool {
	return IsTerminal(c.step)
}

// NextStep returns the current step without changing state. The result is a
// copy the caller may keep or modify.
func (c *Context) NextStep() Step {
	return c.step.clone()
}

// ProvideResponse feeds the response to the request of the current step.
// Calling it when no request is pending fails the context. A terminal context
// returns its terminal step unchanged.
func (c *Context) ProvideResponse(resp httpmsg.Response) Step {
	if c.Terminal() {
		return c.NextStep()
	}
	switch c.step.(type) {
	case NeedDeviceAuthorizationRequest, NeedPoll, NeedTokenExchange:
		c.step = c.flow.respond(c.step, resp)
	default:
		c.step = unexpectedResponse(c.step)
	}
	return c.NextStep()
}

// Tick advances the logical clock to nowMs. Time must not move backwards;
// a regression fails the context.
func (c *Context) Tick(nowMs int64) Step {
	if c.Terminal() {
		return c.NextStep()
	}
	if e := c.clock.advance(nowMs); e != nil {
		c.step = fail(e)
		return c.NextStep()
	}
	c.step = c.flow.tick(c.step)
	return c.NextStep()
}

// ProvideAuthorizationCode supplies the code obtained out of band in the
// authorization code flow.
func (c *Context) ProvideAuthorizationCode(code string) Step {
	return c.authorize(func(f *authCodeFlow) Step { return f.authorize(code) })
}

// ProvideCallback supplies the full redirect URL, checking state and any
// error the authorization server reported.
func (c *Context) ProvideCallback(redirectURL string) Step {
	return c.authorize(func(f *authCodeFlow) Step { return f.callback(redirectURL) })
}

func (c *Context) authorize(fn func(*authCodeFlow) Step) Step {
	if c.Terminal() {
		return c.NextStep()
	}
	f, ok := c.flow.(*authCodeFlow)
	if _, waiting := c.step.(NeedAuthorizationURL); !ok || !waiting {
		c.step = fail(autherr.Newf(autherr.KindProtocol, autherr.CodeUnexpectedResponseInState,
			"authorization code not expected in state %s", c.step.Kind()))
		return c.NextStep()
	}
	c.step = fn(f)
	return c.NextStep()
}
