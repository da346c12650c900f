// Package authservertest runs an in-process OAuth 2.0 authorization server
// for tests. It implements the device authorization grant (RFC 8628), the
// authorization code grant with mandatory PKCE (RFC 7636) and token exchange
// (RFC 8693), and signs OpenID Connect id_tokens.
package authservertest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/wrale/authflow/internal/validation"
)

// Common errors
var (
	ErrUnknownUserCode = errors.New("unknown user code")
)

// Server is a running test authorization server.
type Server struct {
	mu sync.Mutex

	srv    *httptest.Server
	router chi.Router
	log    zerolog.Logger
	now    func() time.Time
	key    *rsa.PrivateKey
	keyID  string

	clientID     string
	clientSecret string
	subject      string
	interval     time.Duration
	expiresIn    time.Duration
	accessTTL    time.Duration
	formTokens   bool
	denyAuthCode bool

	devices       map[string]*deviceGrant // by device code
	users         map[string]string       // normalized user code to device code
	codes         map[string]*codeGrant
	subjectTokens map[string]string // subject token to subject
}

// Option configures a Server
type Option func(*Server)

// WithClock replaces time.Now for expiry and poll spacing.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithClient sets the registered client. An empty secret accepts public
// clients.
func WithClient(id, secret string) Option {
	return func(s *Server) {
		s.clientID = id
		s.clientSecret = secret
	}
}

// WithSubject sets the sub claim of issued id_tokens.
func WithSubject(sub string) Option {
	return func(s *Server) { s.subject = sub }
}

// WithPollInterval sets the device flow interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) { s.interval = d }
}

// WithDeviceCodeExpiry sets expires_in for device codes.
func WithDeviceCodeExpiry(d time.Duration) Option {
	return func(s *Server) { s.expiresIn = d }
}

// WithAccessTokenTTL sets expires_in for access tokens.
func WithAccessTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithFormTokenResponses answers token requests form-encoded, as some
// providers do when the Accept header is ignored.
func WithFormTokenResponses() Option {
	return func(s *Server) { s.formTokens = true }
}

// WithDeniedAuthorizations makes /authorize redirect with access_denied.
func WithDeniedAuthorizations() Option {
	return func(s *Server) { s.denyAuthCode = true }
}

// WithSubjectToken registers a one-time subject token for token exchange.
func WithSubjectToken(token, subject string) Option {
	return func(s *Server) { s.subjectTokens[token] = subject }
}

// WithLogger sets the request logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New starts a server and stops it when tb finishes.
func New(tb testing.TB, opts ...Option) *Server {
	tb.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generating signing key: %v", err)
	}
	kid, err := randomHex(8)
	if err != nil {
		tb.Fatalf("generating key id: %v", err)
	}

	s := &Server{
		log:           zerolog.Nop(),
		now:           time.Now,
		key:           key,
		keyID:         kid,
		clientID:      "authflow-test",
		subject:       "user-1",
		interval:      5 * time.Second,
		expiresIn:     10 * time.Minute,
		accessTTL:     time.Hour,
		devices:       make(map[string]*deviceGrant),
		users:         make(map[string]string),
		codes:         make(map[string]*codeGrant),
		subjectTokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = chi.NewRouter()
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)
	s.routes()

	s.srv = httptest.NewServer(s.router)
	tb.Cleanup(s.srv.Close)
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.Post("/device/code", s.handleDeviceCode)
	s.router.Post("/token", s.handleToken)
	s.router.Get("/authorize", s.handleAuthorize)
}

// requestLogger logs each request with its status
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("authservertest request")
	})
}

// URL returns the base URL, which is also the id_token issuer.
func (s *Server) URL() string { return s.srv.URL }

// DeviceAuthorizationURL returns the RFC 8628 device authorization endpoint.
func (s *Server) DeviceAuthorizationURL() string { return s.srv.URL + "/device/code" }

// TokenURL returns the token endpoint.
func (s *Server) TokenURL() string { return s.srv.URL + "/token" }

// AuthorizationURL returns the authorization endpoint.
func (s *Server) AuthorizationURL() string { return s.srv.URL + "/authorize" }

// VerificationURI returns the page users are sent to.
func (s *Server) VerificationURI() string { return s.srv.URL + "/device" }

// ClientID returns the registered client identifier.
func (s *Server) ClientID() string { return s.clientID }

// ClientSecret returns the registered client secret.
func (s *Server) ClientSecret() string { return s.clientSecret }

// PublicKey returns the id_token verification key.
func (s *Server) PublicKey() crypto.PublicKey { return &s.key.PublicKey }

// Client returns an HTTP client for the server.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// Approve marks the device grant for userCode as authorized.
func (s *Server) Approve(userCode string) error {
	return s.setStatus(userCode, statusApproved)
}

// Deny marks the device grant for userCode as denied.
func (s *Server) Deny(userCode string) error {
	return s.setStatus(userCode, statusDenied)
}

// Polls returns how many token requests were made for userCode.
func (s *Server) Polls(userCode string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.grantByUserCode(userCode); g != nil {
		return g.polls
	}
	return 0
}

// setStatus accepts the user code as typed: case and dashes are ignored.
func (s *Server) setStatus(userCode string, status grantStatus) error {
	code := validation.FormatCode(validation.NormalizeCode(userCode))
	if err := validation.ValidateUserCode(code); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.grantByUserCode(code)
	if g == nil {
		return ErrUnknownUserCode
	}
	g.status = status
	return nil
}

func (s *Server) grantByUserCode(userCode string) *deviceGrant {
	deviceCode, ok := s.users[validation.NormalizeCode(userCode)]
	if !ok {
		return nil
	}
	return s.devices[deviceCode]
}
