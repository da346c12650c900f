package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
)

// TokenSet is the result of a successful flow. Times are in the caller's
// logical milliseconds.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	// ExpiresAtMs is zero when the server sent no expires_in.
	ExpiresAtMs int64 `json:"expires_at_ms,omitempty"`
	IssuedAtMs  int64 `json:"issued_at_ms"`

	IDToken         string `json:"id_token,omitempty"`
	Subject         string `json:"subject,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// Expired reports whether the access token is past its expiry at nowMs.
func (t TokenSet) Expired(nowMs int64) bool {
	return t.ExpiresAtMs != 0 && nowMs >= t.ExpiresAtMs
}

// OAuth2Token converts the set for use with an oauth2 HTTP client. The
// logical expiry is interpreted as Unix milliseconds.
func (t TokenSet) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresAtMs != 0 {
		tok.Expiry = time.UnixMilli(t.ExpiresAtMs)
		tok.ExpiresIn = (t.ExpiresAtMs - t.IssuedAtMs) / 1000
	}
	extra := map[string]any{}
	if t.IDToken != "" {
		extra["id_token"] = t.IDToken
	}
	if t.Scope != "" {
		extra["scope"] = t.Scope
	}
	if len(extra) == 0 {
		return tok
	}
	return tok.WithExtra(extra)
}

// tokenResponse is the RFC 6749 section 5.1 body, plus RFC 8693 fields.
type tokenResponse struct {
	AccessToken     string  `json:"access_token"`
	TokenType       string  `json:"token_type"`
	RefreshToken    string  `json:"refresh_token"`
	Scope           string  `json:"scope"`
	ExpiresIn       seconds `json:"expires_in"`
	IDToken         string  `json:"id_token"`
	IssuedTokenType string  `json:"issued_token_type"`
}

// seconds accepts a JSON number or a numeric string. Values that would
// overflow as milliseconds are rejected.
type seconds int64

const maxSeconds = math.MaxInt64 / 1000

func (s *seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(str))
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.New("expected integer seconds")
	}
	if n < 0 {
		return errors.New("negative duration")
	}
	if n > maxSeconds {
		return errors.New("duration out of range")
	}
	*s = seconds(n)
	return nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isFormBody(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/x-www-form-urlencoded" || mt == "text/plain")
}

// decodeTokenResponse accepts JSON and, for servers that ignore Accept,
// form-encoded bodies.
func decodeTokenResponse(resp httpmsg.Response) (tokenResponse, error) {
	var tr tokenResponse
	if isFormBody(resp.ContentType()) {
		vals, err := url.ParseQuery(string(resp.Body))
		if err != nil {
			return tr, err
		}
		tr.AccessToken = vals.Get("access_token")
		tr.TokenType = vals.Get("token_type")
		tr.RefreshToken = vals.Get("refresh_token")
		tr.Scope = vals.Get("scope")
		tr.IDToken = vals.Get("id_token")
		tr.IssuedTokenType = vals.Get("issued_token_type")
		if v := vals.Get("expires_in"); v != "" {
			if err := tr.ExpiresIn.UnmarshalJSON([]byte(v)); err != nil {
				return tr, err
			}
		}
		return tr, nil
	}
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return tr, err
	}
	return tr, nil
}

// errorInSuccess detects servers that answer 2xx with an OAuth error body.
func errorInSuccess(resp httpmsg.Response) (*autherr.Error, bool) {
	er, ok := autherr.ParseErrorBody(resp.ContentType(), resp.Body)
	if !ok {
		return nil, false
	}
	var probe struct {
		AccessToken string `json:"access_token"`
	}
	if !isFormBody(resp.ContentType()) {
		_ = json.Unmarshal(resp.Body, &probe)
	}
	if probe.AccessToken != "" {
		return nil, false
	}
	e := autherr.Classify(resp.Status, er.Error)
	if e.Kind != autherr.KindProtocol {
		e.Description = er.ErrorDescription
	}
	return e, true
}

// responseError classifies a non-success response, or a success response
// that carries an error body.
func responseError(resp httpmsg.Response) *autherr.Error {
	if isSuccess(resp.Status) {
		if e, ok := errorInSuccess(resp); ok {
			return e
		}
		return nil
	}
	return autherr.ClassifyResponse(resp.Status, resp.ContentType(), resp.Body)
}

func malformed(format string, args ...any) *autherr.Error {
	return autherr.Newf(autherr.KindProtocol, autherr.CodeMalformedResponse, format, args...)
}

// tokenIssuer turns token endpoint responses into terminal steps.
type tokenIssuer struct {
	cfg   *config.FlowConfig
	clock *clock
	nonce string
}

// respond handles a token endpoint response outside device polling. Any
// Transient error here is out of protocol.
func (ti tokenIssuer) respond(resp httpmsg.Response) Step {
	if e := responseError(resp); e != nil {
		if e.Retryable() {
			return fail(autherr.Newf(autherr.KindProtocol, autherr.CodeUnexpectedResponseInState,
				"token endpoint answered %s outside device polling", e.Code))
		}
		return fail(e)
	}
	return ti.complete(resp)
}

// complete parses a successful token response.
func (ti tokenIssuer) complete(resp httpmsg.Response) Step {
	tr, err := decodeTokenResponse(resp)
	if err != nil {
		return fail(malformed("token response: %v", err))
	}
	if tr.AccessToken == "" {
		return fail(malformed("token response missing access_token"))
	}
	if tr.TokenType == "" {
		return fail(malformed("token response missing token_type"))
	}

	now := ti.clock.now()
	ts := TokenSet{
		AccessToken:     tr.AccessToken,
		TokenType:       tr.TokenType,
		RefreshToken:    tr.RefreshToken,
		Scope:           tr.Scope,
		IssuedAtMs:      now,
		IDToken:         tr.IDToken,
		IssuedTokenType: tr.IssuedTokenType,
	}
	if ts.Scope == "" {
		ts.Scope = ti.cfg.ScopeString()
	}
	if tr.ExpiresIn > 0 {
		ts.ExpiresAtMs = addMs(now, int64(tr.ExpiresIn)*1000)
	}

	if ts.IDToken != "" && len(ti.cfg.IDTokenKeys) > 0 {
		subject, e := ti.verifyIDToken(ts.IDToken)
		if e != nil {
			return fail(e)
		}
		ts.Subject = subject
	}
	return Completed{Tokens: ts}
}

// verifyIDToken checks signature, audience, issuer and expiry against the
// logical clock, then the nonce if one was sent.
func (ti tokenIssuer) verifyIDToken(raw string) (string, *autherr.Error) {
	keySet := &oidc.StaticKeySet{PublicKeys: ti.cfg.IDTokenKeys}
	verifier := oidc.NewVerifier(ti.cfg.Issuer, keySet, &oidc.Config{
		ClientID:             ti.cfg.ClientID,
		SupportedSigningAlgs: []string{oidc.RS256, oidc.RS384, oidc.RS512, oidc.ES256, oidc.ES384, oidc.EdDSA},
		SkipIssuerCheck:      ti.cfg.Issuer == "",
		SkipExpiryCheck:      !ti.clock.set,
		Now:                  ti.clock.time,
	})

	// StaticKeySet performs no I/O, so the context is never consulted.
	tok, err := verifier.Verify(context.Background(), raw)
	if err != nil {
		return "", autherr.Newf(autherr.KindProtocol, autherr.CodeInvalidIDToken, "%v", err)
	}
	if ti.nonce != "" && tok.Nonce != ti.nonce {
		return "", autherr.New(autherr.KindProtocol, autherr.CodeInvalidIDToken, "nonce mismatch")
	}
	return tok.Subject, nil
}
