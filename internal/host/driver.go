// Package host drives an engine.Context against real endpoints: it executes
// the requests the engine emits over net/http, feeds the wall clock in and
// sleeps between device polls.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrale/authflow/internal/engine"
	"github.com/wrale/authflow/internal/httpmsg"
)

// ErrNoAuthorizer is returned when an authorization code flow is run without
// an Authorize callback.
var ErrNoAuthorizer = errors.New("authorization code flow needs an authorizer")

// Driver executes one context to completion. The zero value uses
// http.DefaultClient and the wall clock.
type Driver struct {
	Client *http.Client
	Log    zerolog.Logger

	// Now and Sleep default to time.Now and a context-aware timer.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// ShowUserCode is called once per distinct user code.
	ShowUserCode func(engine.NeedUserCode)
	// Authorize sends the user to authURL and returns either the full
	// redirect URL or the bare authorization code.
	Authorize func(ctx context.Context, authURL string) (string, error)
}

func (d *Driver) nowMs() int64 {
	if d.Now != nil {
		return d.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives c until it completes or fails. A Failed step is returned as its
// *autherr.Error; transport and context errors are wrapped.
func (d *Driver) Run(ctx context.Context, c *engine.Context) (engine.TokenSet, error) {
	log := d.Log.With().Str("flow", string(c.Flow())).Logger()
	shown := ""

	step := c.Tick(d.nowMs())
	for {
		log.Debug().Stringer("step", step.Kind()).Msg("next step")

		switch s := step.(type) {
		case engine.Completed:
			log.Info().Str("subject", s.Tokens.Subject).Msg("flow completed")
			return s.Tokens, nil

		case engine.Failed:
			log.Warn().Err(s.Err).Msg("flow failed")
			return engine.TokenSet{}, s.Err

		case engine.NeedAuthorizationURL:
			if d.Authorize == nil {
				return engine.TokenSet{}, ErrNoAuthorizer
			}
			redirect, err := d.Authorize(ctx, s.URL)
			if err != nil {
				return engine.TokenSet{}, fmt.Errorf("authorizing: %w", err)
			}
			if strings.Contains(redirect, "://") {
				step = c.ProvideCallback(redirect)
			} else {
				step = c.ProvideAuthorizationCode(redirect)
			}

		case engine.NeedDeviceAuthorizationRequest:
			var err error
			if step, err = d.exchange(ctx, c, s.Request); err != nil {
				return engine.TokenSet{}, err
			}

		case engine.NeedTokenExchange:
			var err error
			if step, err = d.exchange(ctx, c, s.Request); err != nil {
				return engine.TokenSet{}, err
			}

		case engine.NeedUserCode:
			if s.UserCode != shown && d.ShowUserCode != nil {
				d.ShowUserCode(s)
			}
			shown = s.UserCode
			if err := d.sleep(ctx, time.Duration(s.WaitSeconds)*time.Second); err != nil {
				return engine.TokenSet{}, err
			}
			step = c.Tick(d.nowMs())

		case engine.NeedPoll:
			if s.Request != nil {
				var err error
				if step, err = d.exchange(ctx, c, *s.Request); err != nil {
					return engine.TokenSet{}, err
				}
				continue
			}
			if err := d.sleep(ctx, time.Duration(s.WaitSeconds)*time.Second); err != nil {
				return engine.TokenSet{}, err
			}
			step = c.Tick(d.nowMs())

		default:
			return engine.TokenSet{}, fmt.Errorf("unhandled step %s", step.Kind())
		}
	}
}

// exchange performs req, advances the clock to the time the answer arrived
// and hands the response to the engine.
func (d *Driver) exchange(ctx context.Context, c *engine.Context, req httpmsg.Request) (engine.Step, error) {
	resp, err := Do(ctx, d.Client, req)
	if err != nil {
		return nil, err
	}
	d.Log.Debug().Str("url", req.URL).Int("status", resp.Status).Msg("response received")

	if st := c.Tick(d.nowMs()); engine.IsTerminal(st) {
		return st, nil
	}
	return c.ProvideResponse(resp), nil
}
