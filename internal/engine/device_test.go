package engine

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
)

const t0 = int64(1_800_000_000_000)

func deviceConfig() config.FlowConfig {
	return config.FlowConfig{
		Flow:                   config.FlowDevice,
		ClientID:               "cli",
		DeviceAuthorizationURL: "https://idp.example.com/device/code",
		TokenURL:               "https://idp.example.com/token",
		Scopes:                 []string{"profile"},
	}
}

func jsonResponse(status int, body string) httpmsg.Response {
	return httpmsg.Response{
		Status:  status,
		Headers: httpmsg.Headers{{Name: "Content-Type", Value: "application/json"}},
		Body:    []byte(body),
	}
}

const deviceAuthBody = `{
	"device_code": "dev-123",
	"user_code": "WDJB-MJHT",
	"verification_uri": "https://idp.example.com/device",
	"interval": 5,
	"expires_in": 1800
}`

func newContext(t *testing.T, cfg config.FlowConfig, opts ...Option) *Context {
	t.Helper()
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// startDevice ticks to t0 and answers the device authorization request.
func startDevice(t *testing.T, cfg config.FlowConfig) *Context {
	t.Helper()
	c := newContext(t, cfg)
	c.Tick(t0)
	step := c.ProvideResponse(jsonResponse(200, deviceAuthBody))
	if _, ok := step.(NeedUserCode); !ok {
		t.Fatalf("after device authorization got %#v, want NeedUserCode", step)
	}
	return c
}

func pollRequest(cfg config.FlowConfig) *httpmsg.Request {
	req := devicePollRequest(&cfg, "dev-123")
	return &req
}

func wantFailure(t *testing.T, step Step, want *autherr.Error) {
	t.Helper()
	f, ok := step.(Failed)
	if !ok {
		t.Fatalf("got %#v, want Failed", step)
	}
	if !errors.Is(f.Err, want) {
		t.Fatalf("error = %v, want %s/%s", f.Err, want.Kind, want.Code)
	}
}

func TestDeviceInitialStep(t *testing.T) {
	cfg := deviceConfig()
	c := newContext(t, cfg)

	form := url.Values{"client_id": {"cli"}, "scope": {"profile"}}
	want := NeedDeviceAuthorizationRequest{
		Request: httpmsg.NewFormPost("https://idp.example.com/device/code", form),
	}
	if diff := cmp.Diff(Step(want), c.NextStep()); diff != "" {
		t.Errorf("initial step mismatch (-want +got):\n%s", diff)
	}
	if c.Terminal() || c.Flow() != config.FlowDevice {
		t.Errorf("Terminal() = %v, Flow() = %q", c.Terminal(), c.Flow())
	}
	// Ticking before the device response changes nothing.
	if diff := cmp.Diff(Step(want), c.Tick(t0)); diff != "" {
		t.Errorf("tick before response mismatch (-want +got):\n%s", diff)
	}
}

func TestDevicePollingSequence(t *testing.T) {
	cfg := deviceConfig()
	c := newContext(t, cfg)
	c.Tick(t0)

	steps := []struct {
		name string
		do   func() Step
		want Step
	}{
		{
			name: "device authorization",
			do:   func() Step { return c.ProvideResponse(jsonResponse(200, deviceAuthBody)) },
			want: NeedUserCode{
				UserCode:        "WDJB-MJHT",
				VerificationURI: "https://idp.example.com/device",
				WaitSeconds:     5,
			},
		},
		{
			name: "tick inside interval",
			do:   func() Step { return c.Tick(t0 + 1200) },
			want: NeedUserCode{
				UserCode:        "WDJB-MJHT",
				VerificationURI: "https://idp.example.com/device",
				WaitSeconds:     4,
			},
		},
		{
			name: "tick past interval",
			do:   func() Step { return c.Tick(t0 + 5000) },
			want: NeedPoll{WaitSeconds: 0, Request: pollRequest(cfg)},
		},
		{
			name: "authorization pending",
			do:   func() Step { return c.ProvideResponse(jsonResponse(400, `{"error":"authorization_pending"}`)) },
			want: NeedPoll{WaitSeconds: 5},
		},
		{
			name: "slow down",
			do:   func() Step { return c.ProvideResponse(jsonResponse(400, `{"error":"slow_down"}`)) },
			want: NeedPoll{WaitSeconds: 10},
		},
		{
			name: "tick inside slowed interval",
			do:   func() Step { return c.Tick(t0 + 14000) },
			want: NeedPoll{WaitSeconds: 1},
		},
		{
			name: "tick past slowed interval",
			do:   func() Step { return c.Tick(t0 + 15000) },
			want: NeedPoll{WaitSeconds: 0, Request: pollRequest(cfg)},
		},
		{
			name: "success",
			do: func() Step {
				return c.ProvideResponse(jsonResponse(200, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
			},
			want: Completed{Tokens: TokenSet{
				AccessToken: "tok",
				TokenType:   "Bearer",
				Scope:       "profile",
				IssuedAtMs:  t0 + 15000,
				ExpiresAtMs: t0 + 15000 + 3600*1000,
			}},
		},
	}

	for _, s := range steps {
		got := s.do()
		if diff := cmp.Diff(s.want, got); diff != "" {
			t.Fatalf("%s: step mismatch (-want +got):\n%s", s.name, diff)
		}
		if diff := cmp.Diff(got, c.NextStep()); diff != "" {
			t.Fatalf("%s: NextStep not idempotent (-returned +next):\n%s", s.name, diff)
		}
	}
}

func TestDeviceSlowDownIsCapped(t *testing.T) {
	cfg := deviceConfig()
	cfg.MaxPollInterval = 12 * time.Second
	c := startDevice(t, cfg)
	c.Tick(t0 + 5000)

	slow := jsonResponse(400, `{"error":"slow_down"}`)
	for i, want := range []int64{10, 12, 12} {
		got := c.ProvideResponse(slow)
		if diff := cmp.Diff(Step(NeedPoll{WaitSeconds: want}), got); diff != "" {
			t.Fatalf("slow_down %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestDeviceIntervalFloor(t *testing.T) {
	cfg := deviceConfig()
	cfg.PollFloor = 8 * time.Second
	c := newContext(t, cfg)
	c.Tick(t0)

	got := c.ProvideResponse(jsonResponse(200, `{
		"device_code": "dev-123",
		"user_code": "WDJB-MJHT",
		"verification_url": "https://idp.example.com/device",
		"verification_uri_complete": "https://idp.example.com/device?user_code=WDJB-MJHT",
		"interval": "1",
		"expires_in": "900"
	}`))
	want := NeedUserCode{
		UserCode:                "WDJB-MJHT",
		VerificationURI:         "https://idp.example.com/device",
		VerificationURIComplete: "https://idp.example.com/device?user_code=WDJB-MJHT",
		WaitSeconds:             8,
	}
	if diff := cmp.Diff(Step(want), got); diff != "" {
		t.Errorf("step mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceDefaultInterval(t *testing.T) {
	cfg := deviceConfig()
	cfg.PollFloor = time.Second
	c := newContext(t, cfg)
	c.Tick(t0)

	got := c.ProvideResponse(jsonResponse(200, `{"device_code":"d","user_code":"U","verification_uri":"https://idp.example.com/device","expires_in":600}`))
	uc, ok := got.(NeedUserCode)
	if !ok || uc.WaitSeconds != defaultIntervalSeconds {
		t.Errorf("got %#v, want NeedUserCode with %ds wait", got, defaultIntervalSeconds)
	}
}

func TestDeviceLazyAnchor(t *testing.T) {
	cfg := deviceConfig()
	c := newContext(t, cfg)

	// No tick before the response: timing anchors at the first tick.
	step := c.ProvideResponse(jsonResponse(200, deviceAuthBody))
	if uc, ok := step.(NeedUserCode); !ok || uc.WaitSeconds != 5 {
		t.Fatalf("got %#v, want NeedUserCode wait 5", step)
	}
	if uc, ok := c.Tick(t0).(NeedUserCode); !ok || uc.WaitSeconds != 5 {
		t.Fatalf("first tick should anchor and keep the full wait")
	}
	if _, ok := c.Tick(t0 + 5000).(NeedPoll); !ok {
		t.Fatal("expected NeedPoll once the interval elapsed after anchoring")
	}
	wantFailure(t, c.Tick(t0+1800*1000+1), autherr.ErrDeviceCodeExpired)
}

func TestDeviceCodeExpiry(t *testing.T) {
	c := startDevice(t, deviceConfig())

	if _, ok := c.Tick(t0 + 1800*1000).(NeedPoll); !ok {
		t.Fatal("expiry boundary itself should not fail")
	}
	wantFailure(t, c.Tick(t0+1800*1000+1), autherr.ErrDeviceCodeExpired)
}

func TestDeviceLongestExpirySaturates(t *testing.T) {
	c := newContext(t, deviceConfig())
	c.Tick(t0)
	body := fmt.Sprintf(`{"device_code":"d","user_code":"U","verification_uri":"https://x.example/d","expires_in":%d}`, maxSeconds)
	if _, ok := c.ProvideResponse(jsonResponse(200, body)).(NeedUserCode); !ok {
		t.Fatalf("got %#v, want NeedUserCode", c.NextStep())
	}
	if _, ok := c.Tick(math.MaxInt64).(NeedPoll); !ok {
		t.Fatalf("got %#v, want NeedPoll", c.NextStep())
	}
}

func TestDeviceTerminalPollErrors(t *testing.T) {
	tests := []struct {
		name string
		resp httpmsg.Response
		want *autherr.Error
	}{
		{"access denied", jsonResponse(400, `{"error":"access_denied"}`), autherr.ErrAccessDenied},
		{"expired token", jsonResponse(400, `{"error":"expired_token"}`), autherr.ErrExpiredToken},
		{"invalid grant", jsonResponse(400, `{"error":"invalid_grant"}`), autherr.ErrInvalidGrant},
		{"unknown code", jsonResponse(400, `{"error":"teapot"}`), autherr.ErrMalformedResponse},
		{"html error", httpmsg.Response{Status: 502, Body: []byte("<html>")}, autherr.ErrMalformedResponse},
		{"malformed success", jsonResponse(200, `{"access_token":`), autherr.ErrMalformedResponse},
		{"missing token type", jsonResponse(200, `{"access_token":"tok"}`), autherr.ErrMalformedResponse},
		{"bad expires_in", jsonResponse(200, `{"access_token":"tok","token_type":"Bearer","expires_in":"soon"}`), autherr.ErrMalformedResponse},
		{"overflowing expires_in", jsonResponse(200, `{"access_token":"tok","token_type":"Bearer","expires_in":9300000000000000}`), autherr.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := startDevice(t, deviceConfig())
			c.Tick(t0 + 5000)
			wantFailure(t, c.ProvideResponse(tt.resp), tt.want)
		})
	}
}

func TestDevicePendingInSuccessBody(t *testing.T) {
	c := startDevice(t, deviceConfig())
	c.Tick(t0 + 5000)

	// Some servers answer 200 with an error member.
	got := c.ProvideResponse(jsonResponse(200, `{"error":"authorization_pending"}`))
	if diff := cmp.Diff(Step(NeedPoll{WaitSeconds: 5}), got); diff != "" {
		t.Errorf("step mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceAuthorizationErrors(t *testing.T) {
	tests := []struct {
		name string
		resp httpmsg.Response
		want *autherr.Error
	}{
		{"invalid client", jsonResponse(401, `{"error":"invalid_client"}`), autherr.ErrInvalidClient},
		{"transient is out of protocol", jsonResponse(400, `{"error":"slow_down"}`), autherr.ErrUnexpectedResponseInState},
		{"missing device code", jsonResponse(200, `{"user_code":"U","verification_uri":"https://x.example/d","expires_in":60}`), autherr.ErrMalformedResponse},
		{"missing expiry", jsonResponse(200, `{"device_code":"d","user_code":"U","verification_uri":"https://x.example/d"}`), autherr.ErrMalformedResponse},
		{"relative verification uri", jsonResponse(200, `{"device_code":"d","user_code":"U","verification_uri":"/device","expires_in":60}`), autherr.ErrMalformedResponse},
		{"unprintable user code", jsonResponse(200, `{"device_code":"d","user_code":"\u001b[2J","verification_uri":"https://x.example/d","expires_in":60}`), autherr.ErrMalformedResponse},
		{"not json", jsonResponse(200, `device_code=d`), autherr.ErrMalformedResponse},
		{"overflowing expires_in", jsonResponse(200, `{"device_code":"d","user_code":"U","verification_uri":"https://x.example/d","expires_in":9300000000000000}`), autherr.ErrMalformedResponse},
		{"overflowing interval", jsonResponse(200, `{"device_code":"d","user_code":"U","verification_uri":"https://x.example/d","expires_in":60,"interval":"9300000000000000"}`), autherr.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, deviceConfig())
			c.Tick(t0)
			wantFailure(t, c.ProvideResponse(tt.resp), tt.want)
		})
	}
}

func TestUnexpectedResponseInUserCode(t *testing.T) {
	c := startDevice(t, deviceConfig())
	wantFailure(t, c.ProvideResponse(jsonResponse(200, `{}`)), autherr.ErrUnexpectedResponseInState)
}

func TestAuthorizationCodeRejectedInDeviceFlow(t *testing.T) {
	c := startDevice(t, deviceConfig())
	wantFailure(t, c.ProvideAuthorizationCode("abc"), autherr.ErrUnexpectedResponseInState)
}

func TestClockRegression(t *testing.T) {
	c := startDevice(t, deviceConfig())
	c.Tick(t0 + 2000)
	wantFailure(t, c.Tick(t0+1000), autherr.ErrClockRegression)

	// Equal timestamps are allowed.
	c = startDevice(t, deviceConfig())
	if _, ok := c.Tick(t0).(NeedUserCode); !ok {
		t.Error("repeating the same timestamp should be accepted")
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	completed := func(t *testing.T) *Context {
		c := startDevice(t, deviceConfig())
		c.Tick(t0 + 5000)
		c.ProvideResponse(jsonResponse(200, `{"access_token":"tok","token_type":"Bearer"}`))
		return c
	}
	failed := func(t *testing.T) *Context {
		c := startDevice(t, deviceConfig())
		c.ProvideResponse(jsonResponse(200, `{}`))
		return c
	}

	for name, build := range map[string]func(*testing.T) *Context{"completed": completed, "failed": failed} {
		t.Run(name, func(t *testing.T) {
			c := build(t)
			terminal := c.NextStep()
			if !IsTerminal(terminal) {
				t.Fatalf("setup produced %#v", terminal)
			}
			calls := []func() Step{
				func() Step { return c.ProvideResponse(jsonResponse(200, `{"access_token":"other","token_type":"Bearer"}`)) },
				func() Step { return c.Tick(t0 + 10_000_000) },
				func() Step { return c.Tick(0) },
				func() Step { return c.ProvideAuthorizationCode("code") },
				func() Step { return c.NextStep() },
			}
			for i, call := range calls {
				if diff := cmp.Diff(terminal, call()); diff != "" {
					t.Errorf("call %d changed terminal step (-want +got):\n%s", i, diff)
				}
			}
		})
	}
}

func TestNextStepReturnsCopy(t *testing.T) {
	c := startDevice(t, deviceConfig())
	poll := c.Tick(t0 + 5000).(NeedPoll)
	poll.Request.Body[0] = 'X'
	poll.Request.Headers[0].Value = "mutated"

	again := c.NextStep().(NeedPoll)
	if diff := cmp.Diff(pollRequest(deviceConfig()), again.Request); diff != "" {
		t.Errorf("caller mutation leaked into context (-want +got):\n%s", diff)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := deviceConfig()
	cfg.TokenURL = ""
	c, err := New(cfg)
	if c != nil {
		t.Error("New returned a context alongside an error")
	}
	if !errors.Is(err, autherr.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want invalid_config", err)
	}
}

func TestNewRejectsUnsupportedPKCEMethod(t *testing.T) {
	cfg := deviceConfig()
	cfg.PKCEMethod = "md5"
	if _, err := New(cfg); !errors.Is(err, autherr.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want invalid_config", err)
	}
}

func TestNewDoesNotAliasConfig(t *testing.T) {
	cfg := deviceConfig()
	c := newContext(t, cfg)
	cfg.Scopes[0] = "admin"

	req := c.NextStep().(NeedDeviceAuthorizationRequest).Request
	if string(req.Body) != "client_id=cli&scope=profile" {
		t.Errorf("body = %q", req.Body)
	}
}
