package authservertest

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wrale/authflow/internal/pkce"
	"github.com/wrale/authflow/internal/validation"
)

type grantStatus uint8

const (
	statusPending grantStatus = iota
	statusApproved
	statusDenied
	statusIssued
)

type deviceGrant struct {
	deviceCode string
	userCode   string
	scope      string
	expiresAt  time.Time
	interval   time.Duration
	lastPoll   time.Time
	polls      int
	status     grantStatus
}

type codeGrant struct {
	redirectURI string
	challenge   string
	method      pkce.Method
	scope       string
	nonce       string
	expiresAt   time.Time
	used        bool
}

// tokenResponse is the RFC 6749 section 5.1 body
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	Scope           string `json:"scope,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

const (
	grantDeviceCode     = "urn:ietf:params:oauth:grant-type:device_code"
	grantAuthCode       = "authorization_code"
	grantTokenExchange  = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccess     = "urn:ietf:params:oauth:token-type:access_token"
	slowDownIncrement   = 5 * time.Second
	authorizationCodeTT = time.Minute
)

// authenticateClient accepts HTTP Basic or form credentials per RFC 6749
// section 2.3.1.
func (s *Server) authenticateClient(r *http.Request) bool {
	id, secret, basic := r.BasicAuth()
	if basic {
		var err error
		if id, err = url.QueryUnescape(id); err != nil {
			return false
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return false
		}
	} else {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if id != s.clientID {
		return false
	}
	return s.clientSecret == "" || secret == s.clientSecret
}

// parseForm parses the body and rejects repeated parameters per RFC 8628
// section 3.4.
func parseForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		writeError(w, errInvalidRequest, "Invalid request format")
		return false
	}
	for key, values := range r.PostForm {
		if len(values) > 1 {
			writeError(w, errInvalidRequest, "Parameters MUST NOT be included more than once: "+key)
			return false
		}
	}
	return true
}

// handleDeviceCode implements RFC 8628 section 3.1
func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	if !s.authenticateClient(r) {
		writeError(w, errInvalidClient, "Client authentication failed")
		return
	}

	deviceCode, err := randomHex(32)
	if err != nil {
		writeError(w, errServerError, "Failed to generate device code")
		return
	}
	userCode, err := newUserCode()
	if err != nil {
		writeError(w, errServerError, "Failed to generate user code")
		return
	}

	s.mu.Lock()
	grant := &deviceGrant{
		deviceCode: deviceCode,
		userCode:   userCode,
		scope:      r.PostForm.Get("scope"),
		expiresAt:  s.now().Add(s.expiresIn),
		interval:   s.interval,
	}
	s.devices[deviceCode] = grant
	s.users[validation.NormalizeCode(userCode)] = deviceCode
	s.mu.Unlock()

	verificationURI, complete := s.verificationURIs(userCode)
	writeJSON(w, map[string]any{
		"device_code":               deviceCode,
		"user_code":                 userCode,
		"verification_uri":          verificationURI,
		"verification_uri_complete": complete,
		"expires_in":                int(s.expiresIn / time.Second),
		"interval":                  int(s.interval / time.Second),
	})
}

// handleToken dispatches on grant_type
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	if !s.authenticateClient(r) {
		writeError(w, errInvalidClient, "Client authentication failed")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case grantDeviceCode:
		s.deviceToken(w, r)
	case grantAuthCode:
		s.authCodeToken(w, r)
	case grantTokenExchange:
		s.exchangeToken(w, r)
	case "":
		writeError(w, errInvalidRequest, "The grant_type parameter is REQUIRED")
	default:
		writeError(w, errUnsupportedGrantType, "Unsupported grant_type")
	}
}

// deviceToken implements RFC 8628 sections 3.4 and 3.5
func (s *Server) deviceToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.devices[r.PostForm.Get("device_code")]
	if !ok || g.status == statusIssued {
		writeError(w, errInvalidGrant, "The device_code is invalid")
		return
	}

	now := s.now()
	g.polls++
	if now.After(g.expiresAt) {
		writeError(w, errExpiredToken, "The device_code has expired")
		return
	}
	if !g.lastPoll.IsZero() && now.Sub(g.lastPoll) < g.interval {
		g.interval += slowDownIncrement
		g.lastPoll = now
		writeError(w, errSlowDown, "Polling interval must be increased by 5 seconds")
		return
	}
	g.lastPoll = now

	switch g.status {
	case statusPending:
		writeError(w, errAuthorizationPending, "The authorization request is still pending")
	case statusDenied:
		writeError(w, errAccessDenied, "The user denied the request")
	case statusApproved:
		g.status = statusIssued
		s.writeTokens(w, g.scope, "", "")
	}
}

// handleAuthorize implements RFC 6749 section 4.1.1, approving immediately
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.clientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || q.Get("redirect_uri") == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	params := url.Values{"state": {q.Get("state")}}
	method := pkce.Method(q.Get("code_challenge_method"))
	if method == "" {
		method = pkce.MethodPlain
	}

	switch {
	case q.Get("response_type") != "code":
		params.Set("error", "unsupported_response_type")
	case q.Get("code_challenge") == "":
		params.Set("error", errInvalidRequest)
		params.Set("error_description", "PKCE code_challenge is required")
	case !method.Supported():
		params.Set("error", errInvalidRequest)
		params.Set("error_description", "unsupported code_challenge_method")
	case s.denyAuthCode:
		params.Set("error", errAccessDenied)
	default:
		code, err := randomHex(16)
		if err != nil {
			http.Error(w, "code generation failed", http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		s.codes[code] = &codeGrant{
			redirectURI: q.Get("redirect_uri"),
			challenge:   q.Get("code_challenge"),
			method:      method,
			scope:       q.Get("scope"),
			nonce:       q.Get("nonce"),
			expiresAt:   s.now().Add(authorizationCodeTT),
		}
		s.mu.Unlock()
		params.Set("code", code)
	}

	existing := redirect.Query()
	for k, v := range params {
		existing[k] = v
	}
	redirect.RawQuery = existing.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// authCodeToken implements RFC 6749 section 4.1.3 with RFC 7636 section 4.6
func (s *Server) authCodeToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.codes[r.PostForm.Get("code")]
	switch {
	case !ok || g.used:
		writeError(w, errInvalidGrant, "The authorization code is invalid or was already used")
		return
	case s.now().After(g.expiresAt):
		writeError(w, errInvalidGrant, "The authorization code has expired")
		return
	case r.PostForm.Get("redirect_uri") != g.redirectURI:
		writeError(w, errInvalidGrant, "redirect_uri does not match the authorization request")
		return
	case !pkce.Verify(r.PostForm.Get("code_verifier"), g.challenge, g.method):
		writeError(w, errInvalidGrant, "PKCE verification failed")
		return
	}
	g.used = true

	s.writeTokens(w, g.scope, g.nonce, "")
}

// exchangeToken implements RFC 8693 section 2
func (s *Server) exchangeToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := r.PostForm.Get("subject_token_type"); t != tokenTypeAccess {
		writeError(w, errInvalidRequest, "unsupported subject_token_type "+strconv.Quote(t))
		return
	}
	token := r.PostForm.Get("subject_token")
	if _, ok := s.subjectTokens[token]; !ok {
		writeError(w, errInvalidGrant, "The subject_token is invalid or was already used")
		return
	}
	// One-time tokens are consumed on first use.
	delete(s.subjectTokens, token)

	s.writeTokens(w, r.PostForm.Get("scope"), "", tokenTypeAccess)
}

// writeTokens issues a token response. Callers hold s.mu.
func (s *Server) writeTokens(w http.ResponseWriter, scope, nonce, issuedType string) {
	access, err := randomHex(24)
	if err != nil {
		writeError(w, errServerError, "Failed to generate token")
		return
	}

	resp := tokenResponse{
		AccessToken:     access,
		TokenType:       "Bearer",
		ExpiresIn:       int(s.accessTTL / time.Second),
		Scope:           scope,
		IssuedTokenType: issuedType,
	}
	if issuedType == "" {
		if resp.RefreshToken, err = randomHex(24); err != nil {
			writeError(w, errServerError, "Failed to generate token")
			return
		}
	}
	if slices.Contains(strings.Fields(scope), "openid") {
		if resp.IDToken, err = s.signIDToken(nonce); err != nil {
			writeError(w, errServerError, "Failed to sign id_token")
			return
		}
	}

	if s.formTokens {
		form := url.Values{
			"access_token": {resp.AccessToken},
			"token_type":   {resp.TokenType},
			"expires_in":   {strconv.Itoa(resp.ExpiresIn)},
		}
		for k, v := range map[string]string{
			"refresh_token":     resp.RefreshToken,
			"scope":             resp.Scope,
			"id_token":          resp.IDToken,
			"issued_token_type": resp.IssuedTokenType,
		} {
			if v != "" {
				form.Set(k, v)
			}
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte(form.Encode()))
		return
	}
	writeJSON(w, resp)
}

// signIDToken mints an RS256 OpenID Connect id_token
func (s *Server) signIDToken(nonce string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.URL(),
		"sub": s.subject,
		"aud": s.clientID,
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keyID
	return tok.SignedString(s.key)
}
