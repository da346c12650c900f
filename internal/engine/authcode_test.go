package engine

import (
	"bytes"
	"encoding/base64"
	"errors"
	"math/rand/v2"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
	"github.com/wrale/authflow/internal/pkce"
)

func codeConfig() config.FlowConfig {
	return config.FlowConfig{
		Flow:             config.FlowAuthorizationCode,
		ClientID:         "cli",
		AuthorizationURL: "https://idp.example.com/authorize",
		TokenURL:         "https://idp.example.com/token",
		RedirectURL:      "http://127.0.0.1:8765/callback",
		Scopes:           []string{"openid", "email"},
	}
}

func seededReader(seed byte) *rand.ChaCha8 {
	var s [32]byte
	for i := range s {
		s[i] = seed
	}
	return rand.NewChaCha8(s)
}

func authorizationURL(t *testing.T, c *Context) *url.URL {
	t.Helper()
	step, ok := c.NextStep().(NeedAuthorizationURL)
	if !ok {
		t.Fatalf("got %#v, want NeedAuthorizationURL", c.NextStep())
	}
	u, err := url.Parse(step.URL)
	if err != nil {
		t.Fatalf("parse authorization URL: %v", err)
	}
	return u
}

func formOf(t *testing.T, req httpmsg.Request) url.Values {
	t.Helper()
	vals, err := url.ParseQuery(string(req.Body))
	if err != nil {
		t.Fatalf("parse form body: %v", err)
	}
	return vals
}

func TestAuthCodeURL(t *testing.T) {
	c := newContext(t, codeConfig(), WithRandom(seededReader(1)))
	u := authorizationURL(t, c)
	q := u.Query()

	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://idp.example.com/authorize" {
		t.Errorf("endpoint = %q", got)
	}
	want := map[string]string{
		"response_type":         "code",
		"client_id":             "cli",
		"redirect_uri":          "http://127.0.0.1:8765/callback",
		"scope":                 "openid email",
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	for _, k := range []string{"state", "nonce", "code_challenge"} {
		if q.Get(k) == "" {
			t.Errorf("missing %s", k)
		}
	}
	if q.Get("state") == q.Get("nonce") {
		t.Error("state and nonce must differ")
	}
}

func TestAuthCodeIsReproducible(t *testing.T) {
	a := newContext(t, codeConfig(), WithRandom(seededReader(9)))
	b := newContext(t, codeConfig(), WithRandom(seededReader(9)))
	if diff := cmp.Diff(a.NextStep(), b.NextStep()); diff != "" {
		t.Errorf("same randomness produced different URLs (-a +b):\n%s", diff)
	}

	other := newContext(t, codeConfig(), WithRandom(seededReader(10)))
	if cmp.Equal(a.NextStep(), other.NextStep()) {
		t.Error("different randomness produced the same URL")
	}
}

func TestAuthCodeNoNonceWithoutOpenID(t *testing.T) {
	cfg := codeConfig()
	cfg.Scopes = []string{"repo"}
	c := newContext(t, cfg)
	if q := authorizationURL(t, c).Query(); q.Has("nonce") {
		t.Errorf("nonce sent without openid scope: %q", q.Get("nonce"))
	}
}

func TestAuthCodePlainMethod(t *testing.T) {
	cfg := codeConfig()
	cfg.PKCEMethod = pkce.MethodPlain
	c := newContext(t, cfg)
	q := authorizationURL(t, c).Query()
	if q.Get("code_challenge_method") != "plain" {
		t.Errorf("method = %q", q.Get("code_challenge_method"))
	}

	step := c.ProvideAuthorizationCode("abc").(NeedTokenExchange)
	if got := formOf(t, step.Request).Get("code_verifier"); got != q.Get("code_challenge") {
		t.Errorf("plain verifier %q does not equal challenge %q", got, q.Get("code_challenge"))
	}
}

func TestAuthCodeExchange(t *testing.T) {
	c := newContext(t, codeConfig())
	challenge := authorizationURL(t, c).Query().Get("code_challenge")
	c.Tick(t0)

	step, ok := c.ProvideAuthorizationCode("auth-code").(NeedTokenExchange)
	if !ok {
		t.Fatalf("got %#v, want NeedTokenExchange", c.NextStep())
	}
	if step.Request.URL != "https://idp.example.com/token" || step.Request.Method != httpmsg.MethodPost {
		t.Errorf("request = %s %s", step.Request.Method, step.Request.URL)
	}
	form := formOf(t, step.Request)
	for k, v := range map[string]string{
		"grant_type":   "authorization_code",
		"code":         "auth-code",
		"redirect_uri": "http://127.0.0.1:8765/callback",
		"client_id":    "cli",
	} {
		if form.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, form.Get(k), v)
		}
	}
	if !pkce.Verify(form.Get("code_verifier"), challenge, pkce.MethodS256) {
		t.Error("code_verifier does not match the challenge in the authorization URL")
	}

	// Ticks do not disturb a pending exchange.
	if _, ok := c.Tick(t0 + 1000).(NeedTokenExchange); !ok {
		t.Fatal("tick changed a pending token exchange")
	}

	got := c.ProvideResponse(jsonResponse(200, `{"access_token":"at","token_type":"Bearer","refresh_token":"rt","scope":"email","expires_in":60}`))
	want := Completed{Tokens: TokenSet{
		AccessToken:  "at",
		TokenType:    "Bearer",
		RefreshToken: "rt",
		Scope:        "email",
		IssuedAtMs:   t0 + 1000,
		ExpiresAtMs:  t0 + 61000,
	}}
	if diff := cmp.Diff(Step(want), got); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthCodeErrors(t *testing.T) {
	tests := []struct {
		name string
		run  func(c *Context) Step
		want *autherr.Error
	}{
		{
			name: "empty code",
			run:  func(c *Context) Step { return c.ProvideAuthorizationCode("") },
			want: autherr.ErrMalformedResponse,
		},
		{
			name: "response before code",
			run:  func(c *Context) Step { return c.ProvideResponse(jsonResponse(200, `{}`)) },
			want: autherr.ErrUnexpectedResponseInState,
		},
		{
			name: "second code",
			run: func(c *Context) Step {
				c.ProvideAuthorizationCode("one")
				return c.ProvideAuthorizationCode("two")
			},
			want: autherr.ErrUnexpectedResponseInState,
		},
		{
			name: "invalid grant",
			run: func(c *Context) Step {
				c.ProvideAuthorizationCode("one")
				return c.ProvideResponse(jsonResponse(400, `{"error":"invalid_grant","error_description":"code reused"}`))
			},
			want: autherr.ErrInvalidGrant,
		},
		{
			name: "pending is out of protocol",
			run: func(c *Context) Step {
				c.ProvideAuthorizationCode("one")
				return c.ProvideResponse(jsonResponse(400, `{"error":"authorization_pending"}`))
			},
			want: autherr.ErrUnexpectedResponseInState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, codeConfig())
			wantFailure(t, tt.run(c), tt.want)
		})
	}
}

func TestAuthCodeInvalidGrantKeepsDescription(t *testing.T) {
	c := newContext(t, codeConfig())
	c.ProvideAuthorizationCode("one")
	f := c.ProvideResponse(jsonResponse(400, `{"error":"invalid_grant","error_description":"code reused"}`)).(Failed)
	if f.Err.Description != "code reused" || f.Err.Status != 400 {
		t.Errorf("error = %+v", f.Err)
	}
}

func TestProvideCallback(t *testing.T) {
	callback := func(c *Context, params url.Values) string {
		return "http://127.0.0.1:8765/callback?" + params.Encode()
	}

	tests := []struct {
		name   string
		params func(state string) url.Values
		want   *autherr.Error
	}{
		{
			name:   "state mismatch",
			params: func(string) url.Values { return url.Values{"code": {"c"}, "state": {"forged"}} },
			want:   autherr.ErrStateMismatch,
		},
		{
			name:   "missing state",
			params: func(string) url.Values { return url.Values{"code": {"c"}} },
			want:   autherr.ErrStateMismatch,
		},
		{
			name:   "denied",
			params: func(s string) url.Values { return url.Values{"error": {"access_denied"}, "state": {s}} },
			want:   autherr.ErrAccessDenied,
		},
		{
			name:   "unknown error",
			params: func(s string) url.Values { return url.Values{"error": {"server_error"}, "state": {s}} },
			want:   autherr.ErrMalformedResponse,
		},
		{
			name:   "missing code",
			params: func(s string) url.Values { return url.Values{"state": {s}} },
			want:   autherr.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, codeConfig())
			state := authorizationURL(t, c).Query().Get("state")
			wantFailure(t, c.ProvideCallback(callback(c, tt.params(state))), tt.want)
		})
	}

	t.Run("accepted", func(t *testing.T) {
		c := newContext(t, codeConfig())
		state := authorizationURL(t, c).Query().Get("state")
		step, ok := c.ProvideCallback(callback(c, url.Values{"code": {"good"}, "state": {state}})).(NeedTokenExchange)
		if !ok {
			t.Fatalf("got %#v, want NeedTokenExchange", c.NextStep())
		}
		if got := formOf(t, step.Request).Get("code"); got != "good" {
			t.Errorf("code = %q", got)
		}
	})
}

func TestHeaderClientAuth(t *testing.T) {
	cfg := codeConfig()
	cfg.ClientAuth = config.ClientAuthHeader
	cfg.ClientID = "cli id"
	cfg.ClientSecret = "s3cr:t"
	c := newContext(t, cfg)

	req := c.ProvideAuthorizationCode("abc").(NeedTokenExchange).Request
	auth := req.Headers.Get("Authorization")
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		t.Fatalf("decode %q: %v", auth, err)
	}
	if string(raw) != "cli+id:s3cr%3At" {
		t.Errorf("credentials = %q", raw)
	}
	if form := formOf(t, req); form.Has("client_id") || form.Has("client_secret") {
		t.Errorf("credentials leaked into body: %v", form)
	}
}

func TestRandomSourceFailure(t *testing.T) {
	_, err := New(codeConfig(), WithRandom(bytes.NewReader([]byte{1, 2, 3})))
	if !errors.Is(err, autherr.ErrRandomSource) {
		t.Errorf("New() error = %v, want random_source", err)
	}
}
