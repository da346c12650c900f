package engine

import (
	"encoding/base64"
	"net/url"

	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
)

// Grant types per RFC 8628 section 3.4 and RFC 8693 section 2.1
const (
	grantAuthorizationCode = "authorization_code"
	grantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	grantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// deviceAuthorizationRequest builds the RFC 8628 section 3.1 request.
func deviceAuthorizationRequest(cfg *config.FlowConfig) httpmsg.Request {
	form := url.Values{}
	if len(cfg.Scopes) > 0 {
		form.Set("scope", cfg.ScopeString())
	}
	return clientRequest(cfg, cfg.DeviceAuthorizationURL, form)
}

// devicePollRequest builds the RFC 8628 section 3.4 token request.
func devicePollRequest(cfg *config.FlowConfig, deviceCode string) httpmsg.Request {
	form := url.Values{
		"grant_type":  {grantDeviceCode},
		"device_code": {deviceCode},
	}
	return clientRequest(cfg, cfg.TokenURL, form)
}

// authorizationCodeRequest builds the RFC 6749 section 4.1.3 request with the
// RFC 7636 code_verifier.
func authorizationCodeRequest(cfg *config.FlowConfig, code, verifier string) httpmsg.Request {
	form := url.Values{
		"grant_type":    {grantAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {cfg.RedirectURL},
		"code_verifier": {verifier},
	}
	return clientRequest(cfg, cfg.TokenURL, form)
}

// tokenExchangeRequest builds the RFC 8693 section 2.1 request.
func tokenExchangeRequest(cfg *config.FlowConfig) httpmsg.Request {
	form := url.Values{
		"grant_type":         {grantTokenExchange},
		"subject_token":      {cfg.SubjectToken},
		"subject_token_type": {cfg.SubjectTokenType},
	}
	if cfg.Audience != "" {
		form.Set("audience", cfg.Audience)
	}
	if len(cfg.Scopes) > 0 {
		form.Set("scope", cfg.ScopeString())
	}
	return clientRequest(cfg, cfg.TokenURL, form)
}

// clientRequest adds client authentication to form and wraps it in a POST.
// Header style follows RFC 6749 section 2.3.1, escaping both parts.
func clientRequest(cfg *config.FlowConfig, endpoint string, form url.Values) httpmsg.Request {
	if cfg.ClientAuth == config.ClientAuthHeader {
		creds := url.QueryEscape(cfg.ClientID) + ":" + url.QueryEscape(cfg.ClientSecret)
		return httpmsg.NewFormPost(endpoint, form, httpmsg.Header{
			Name:  "Authorization",
			Value: "Basic " + base64.StdEncoding.EncodeToString([]byte(creds)),
		})
	}
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	return httpmsg.NewFormPost(endpoint, form)
}
