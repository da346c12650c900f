// Package config holds the immutable flow configuration shared by every
// engine context created from it.
package config

import (
	"crypto"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/oauth2"

	"github.com/wrale/authflow/internal/pkce"
)

// Flow selects which protocol a context drives.
type Flow string

const (
	FlowDevice            Flow = "device"
	FlowAuthorizationCode Flow = "authorization_code"
	FlowTokenExchange     Flow = "token_exchange"
)

// ClientAuth selects how client credentials reach the token endpoint.
type ClientAuth string

const (
	ClientAuthParams ClientAuth = "params"
	ClientAuthHeader ClientAuth = "header"
)

// TokenTypeAccessToken is the RFC 8693 identifier for an access token.
const TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

// Default device polling settings
const (
	DefaultPollFloor         = 5 * time.Second
	DefaultSlowDownIncrement = 5 * time.Second
	DefaultMaxPollInterval   = 60 * time.Second
)

// FlowConfig holds everything needed to start an authentication attempt,
// loaded from environment variables or built directly.
type FlowConfig struct {
	Flow         Flow       `envconfig:"FLOW" default:"device"`
	ClientID     string     `envconfig:"CLIENT_ID"`
	ClientSecret string     `envconfig:"CLIENT_SECRET"`
	ClientAuth   ClientAuth `envconfig:"CLIENT_AUTH" default:"params"`

	AuthorizationURL       string `envconfig:"AUTHORIZATION_URL"`
	DeviceAuthorizationURL string `envconfig:"DEVICE_AUTHORIZATION_URL"`
	TokenURL               string `envconfig:"TOKEN_URL"`
	RedirectURL            string `envconfig:"REDIRECT_URL"`

	Scopes     []string    `envconfig:"SCOPES"`
	PKCEMethod pkce.Method `envconfig:"PKCE_METHOD" default:"S256"`

	PollFloor         time.Duration `envconfig:"POLL_FLOOR" default:"5s"`
	SlowDownIncrement time.Duration `envconfig:"SLOW_DOWN_INCREMENT" default:"5s"`
	MaxPollInterval   time.Duration `envconfig:"MAX_POLL_INTERVAL" default:"60s"`

	SubjectToken     string `envconfig:"SUBJECT_TOKEN"`
	SubjectTokenType string `envconfig:"SUBJECT_TOKEN_TYPE" default:"urn:ietf:params:oauth:token-type:access_token"`
	Audience         string `envconfig:"AUDIENCE"`

	// Issuer, when set, is checked against the iss claim of id_tokens.
	Issuer string `envconfig:"ISSUER"`
	// IDTokenKeys enables id_token signature verification.
	IDTokenKeys []crypto.PublicKey `ignored:"true"`
}

// Load reads a FlowConfig from the environment using prefix (for example
// "AUTHFLOW") and validates it.
func Load(prefix string) (FlowConfig, error) {
	var cfg FlowConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return FlowConfig{}, fmt.Errorf("loading flow configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return FlowConfig{}, err
	}
	return cfg, nil
}

// WithDefaults fills zero-valued optional fields the way Load would.
func (c FlowConfig) WithDefaults() FlowConfig {
	if c.Flow == "" {
		c.Flow = FlowDevice
	}
	if c.ClientAuth == "" {
		c.ClientAuth = ClientAuthParams
	}
	if c.PKCEMethod == "" {
		c.PKCEMethod = pkce.MethodS256
	}
	if c.PollFloor == 0 {
		c.PollFloor = DefaultPollFloor
	}
	if c.SlowDownIncrement == 0 {
		c.SlowDownIncrement = DefaultSlowDownIncrement
	}
	if c.MaxPollInterval == 0 {
		c.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.SubjectTokenType == "" {
		c.SubjectTokenType = TokenTypeAccessToken
	}
	return c
}

// Clone returns a copy that shares no slices with c.
func (c FlowConfig) Clone() FlowConfig {
	c.Scopes = slices.Clone(c.Scopes)
	c.IDTokenKeys = slices.Clone(c.IDTokenKeys)
	return c
}

// Endpoint returns the oauth2 endpoint description for this configuration.
func (c FlowConfig) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:       c.AuthorizationURL,
		DeviceAuthURL: c.DeviceAuthorizationURL,
		TokenURL:      c.TokenURL,
		AuthStyle:     c.ClientAuth.AuthStyle(),
	}
}

// OAuth2 returns an oauth2.Config mirroring this configuration.
func (c FlowConfig) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     c.Endpoint(),
		RedirectURL:  c.RedirectURL,
		Scopes:       slices.Clone(c.Scopes),
	}
}

// HasScope reports whether scope was requested.
func (c FlowConfig) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// ScopeString joins the requested scopes with spaces.
func (c FlowConfig) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

// AuthStyle maps to the oauth2 package's client authentication style.
func (a ClientAuth) AuthStyle() oauth2.AuthStyle {
	switch a {
	case ClientAuthHeader:
		return oauth2.AuthStyleInHeader
	case ClientAuthParams:
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleAutoDetect
}
