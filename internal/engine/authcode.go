package engine

import (
	"io"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/wrale/authflow/internal/autherr"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
	"github.com/wrale/authflow/internal/pkce"
)

// authCodeFlow drives RFC 6749 section 4.1 with RFC 7636 PKCE. The verifier,
// state and nonce are fixed when the flow is created.
type authCodeFlow struct {
	cfg    *config.FlowConfig
	tokens tokenIssuer

	pkce  pkce.Material
	state string
	nonce string
}

func newAuthCodeFlow(cfg *config.FlowConfig, clk *clock, r io.Reader) (*authCodeFlow, *autherr.Error) {
	material, err := pkce.Generate(r, cfg.PKCEMethod, pkce.DefaultVerifierLength)
	if err != nil {
		return nil, autherr.Newf(autherr.KindInternal, autherr.CodeRandomSource, "generating PKCE verifier: %v", err)
	}
	state, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return nil, autherr.Newf(autherr.KindInternal, autherr.CodeRandomSource, "generating state: %v", err)
	}

	f := &authCodeFlow{cfg: cfg, pkce: material, state: state.String()}
	if cfg.HasScope("openid") {
		nonce, err := uuid.NewRandomFromReader(r)
		if err != nil {
			return nil, autherr.Newf(autherr.KindInternal, autherr.CodeRandomSource, "generating nonce: %v", err)
		}
		f.nonce = nonce.String()
	}
	f.tokens = tokenIssuer{cfg: cfg, clock: clk, nonce: f.nonce}
	return f, nil
}

func (f *authCodeFlow) initial() Step {
	return NeedAuthorizationURL{URL: f.authorizationURL()}
}

func (f *authCodeFlow) authorizationURL() string {
	var opts []oauth2.AuthCodeOption
	switch f.pkce.Method() {
	case pkce.MethodS256:
		opts = append(opts, oauth2.S256ChallengeOption(f.pkce.Verifier()))
	default:
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", f.pkce.Challenge()),
			oauth2.SetAuthURLParam("code_challenge_method", string(f.pkce.Method())),
		)
	}
	if f.nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", f.nonce))
	}
	return f.cfg.OAuth2().AuthCodeURL(f.state, opts...)
}

// authorize accepts the code obtained at the redirect URL.
func (f *authCodeFlow) authorize(code string) Step {
	if code == "" {
		return fail(malformed("empty authorization code"))
	}
	return NeedTokenExchange{Request: authorizationCodeRequest(f.cfg, code, f.pkce.Verifier())}
}

// callback parses the redirect the authorization server sent the user to,
// per RFC 6749 section 4.1.2.
func (f *authCodeFlow) callback(redirect string) Step {
	u, err := url.Parse(redirect)
	if err != nil {
		return fail(malformed("callback URL: %v", err))
	}
	q := u.Query()
	if q.Get("state") != f.state {
		return fail(autherr.New(autherr.KindProtocol, autherr.CodeStateMismatch,
			"callback state does not match the authorization request"))
	}
	if code := q.Get("error"); code != "" {
		e := autherr.Classify(0, code)
		if e.Retryable() {
			return fail(autherr.Newf(autherr.KindProtocol, autherr.CodeUnexpectedResponseInState,
				"authorization redirect carried %s", e.Code))
		}
		if e.Kind != autherr.KindProtocol {
			e.Description = q.Get("error_description")
		}
		return fail(e)
	}
	return f.authorize(q.Get("code"))
}

func (f *authCodeFlow) respond(current Step, resp httpmsg.Response) Step {
	if _, ok := current.(NeedTokenExchange); ok {
		return f.tokens.respond(resp)
	}
	return unexpectedResponse(current)
}

func (f *authCodeFlow) tick(current Step) Step {
	return current
}
