// Package boundary exposes engine contexts to hosts with a different memory
// model. Hosts hold opaque handles, every call returns a Result instead of
// panicking, and every value handed out has exactly one release.
//
// Double release and use after release are contract violations. They are not
// tracked: a stale handle is simply absent from the table and reported as
// StatusInvalidHandle, which hosts must not rely on.
package boundary

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/engine"
	"github.com/wrale/authflow/internal/httpmsg"
)

// Handle is an opaque reference. Zero is never issued and handles are never
// reused within a Bridge.
type Handle uint64

type entryKind uint8

const (
	kindContext entryKind = iota + 1
	kindRequest
	kindTokens
)

func (k entryKind) String() string {
	switch k {
	case kindContext:
		return "context"
	case kindRequest:
		return "request"
	case kindTokens:
		return "token set"
	}
	return "value"
}

type entry struct {
	kind    entryKind
	owner   Handle
	ctx     *engine.Context
	request httpmsg.Request
	tokens  engine.TokenSet
}

// Bridge owns a handle table. It is safe for concurrent use; calls on one
// context are serialised.
type Bridge struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]entry
	opts    []engine.Option
	log     zerolog.Logger
}

// NewBridge returns an empty bridge. opts apply to every created context.
func NewBridge(log zerolog.Logger, opts ...engine.Option) *Bridge {
	return &Bridge{
		entries: make(map[Handle]entry),
		opts:    opts,
		log:     log.With().Str("component", "boundary").Logger(),
	}
}

// Live returns the number of unreleased handles.
func (b *Bridge) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// call runs fn under the table lock and converts a panic into StatusPanic.
func (b *Bridge) call(op string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("op", op).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic at boundary")
			res = Result{Status: StatusPanic, Message: fmt.Sprintf("%s: internal error: %v", op, r)}
		}
	}()
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn()
}

func (b *Bridge) add(e entry) Handle {
	b.next++
	b.entries[b.next] = e
	return b.next
}

func (b *Bridge) lookup(h Handle, kind entryKind) (entry, bool) {
	e, found := b.entries[h]
	if !found || e.kind != kind {
		return entry{}, false
	}
	return e, true
}

// Create validates cfg and returns a context handle.
func (b *Bridge) Create(cfg config.FlowConfig) (h Handle, res Result) {
	res = b.call("create", func() Result {
		ctx, err := engine.New(cfg, b.opts...)
		if err != nil {
			var ae *autherr.Error
			if errors.As(err, &ae) && ae.Code == autherr.CodeInvalidConfig {
				return Result{Status: StatusInvalidConfig, Message: ae.Description}
			}
			return Result{Status: StatusInvalidArgument, Message: err.Error()}
		}
		h = b.add(entry{kind: kindContext, ctx: ctx})
		b.log.Debug().Uint64("handle", uint64(h)).Str("flow", string(cfg.Flow)).Msg("context created")
		return ok()
	})
	if !res.OK() {
		h = 0
	}
	return h, res
}

// Destroy releases a context and every value still owned by it.
func (b *Bridge) Destroy(h Handle) Result {
	return b.call("destroy", func() Result {
		if _, found := b.lookup(h, kindContext); !found {
			return invalidHandle(h, kindContext.String())
		}
		delete(b.entries, h)
		released := 0
		for child, e := range b.entries {
			if e.owner == h {
				delete(b.entries, child)
				released++
			}
		}
		b.log.Debug().Uint64("handle", uint64(h)).Int("children", released).Msg("context destroyed")
		return ok()
	})
}

// drive runs step against a live context and flattens the result.
func (b *Bridge) drive(op string, h Handle, validate func() Result, step func(*engine.Context) engine.Step) (v StepView, res Result) {
	res = b.call(op, func() Result {
		e, found := b.lookup(h, kindContext)
		if !found {
			return invalidHandle(h, kindContext.String())
		}
		if validate != nil {
			if r := validate(); !r.OK() {
				return r
			}
		}
		v = b.view(h, step(e.ctx))
		return ok()
	})
	if !res.OK() {
		v = StepView{}
	}
	return v, res
}

// NextStep renders the current step. Each call issues fresh child handles.
func (b *Bridge) NextStep(h Handle) (StepView, Result) {
	return b.drive("next_step", h, nil, (*engine.Context).NextStep)
}

// ProvideResponse feeds a response to the context.
func (b *Bridge) ProvideResponse(h Handle, resp httpmsg.Response) (StepView, Result) {
	validate := func() Result {
		if resp.Status < 100 || resp.Status > 999 {
			return invalidArgument("status %d is not an HTTP status", resp.Status)
		}
		return ok()
	}
	return b.drive("provide_response", h, validate, func(c *engine.Context) engine.Step {
		return c.ProvideResponse(resp)
	})
}

// Tick advances the context's clock.
func (b *Bridge) Tick(h Handle, nowMs int64) (StepView, Result) {
	validate := func() Result {
		if nowMs < 0 {
			return invalidArgument("now_ms %d is negative", nowMs)
		}
		return ok()
	}
	return b.drive("tick", h, validate, func(c *engine.Context) engine.Step {
		return c.Tick(nowMs)
	})
}

// ProvideAuthorizationCode supplies the code for the authorization code flow.
func (b *Bridge) ProvideAuthorizationCode(h Handle, code string) (StepView, Result) {
	return b.drive("provide_authorization_code", h, nil, func(c *engine.Context) engine.Step {
		return c.ProvideAuthorizationCode(code)
	})
}

// ProvideCallback supplies the full redirect URL for the authorization code
// flow.
func (b *Bridge) ProvideCallback(h Handle, redirectURL string) (StepView, Result) {
	return b.drive("provide_callback", h, nil, func(c *engine.Context) engine.Step {
		return c.ProvideCallback(redirectURL)
	})
}

// Request returns a copy of the request behind h.
func (b *Bridge) Request(h Handle) (req httpmsg.Request, res Result) {
	res = b.call("request", func() Result {
		e, found := b.lookup(h, kindRequest)
		if !found {
			return invalidHandle(h, kindRequest.String())
		}
		req = e.request.Clone()
		return ok()
	})
	return req, res
}

// ReleaseRequest frees a request handle.
func (b *Bridge) ReleaseRequest(h Handle) Result {
	return b.release("release_request", h, kindRequest)
}

// Tokens returns the token set behind h.
func (b *Bridge) Tokens(h Handle) (ts engine.TokenSet, res Result) {
	res = b.call("tokens", func() Result {
		e, found := b.lookup(h, kindTokens)
		if !found {
			return invalidHandle(h, kindTokens.String())
		}
		ts = e.tokens
		return ok()
	})
	return ts, res
}

// ReleaseTokens frees a token set handle.
func (b *Bridge) ReleaseTokens(h Handle) Result {
	return b.release("release_tokens", h, kindTokens)
}

func (b *Bridge) release(op string, h Handle, kind entryKind) Result {
	return b.call(op, func() Result {
		if _, found := b.lookup(h, kind); !found {
			return invalidHandle(h, kind.String())
		}
		delete(b.entries, h)
		return ok()
	})
}
