package authservertest

import (
	"net/url"
	"path"

	"github.com/wrale/authflow/internal/validation"
)

// verificationURIs returns verification_uri and, for a valid user code,
// verification_uri_complete per RFC 8628 sections 3.2 and 3.3.1.
func (s *Server) verificationURIs(userCode string) (string, string) {
	base, err := url.Parse(s.srv.URL)
	if err != nil {
		return "", ""
	}
	base.Path = path.Join(base.Path, "device")
	verificationURI := base.String()

	if err := validation.ValidateUserCode(userCode); err != nil {
		return verificationURI, ""
	}

	complete := *base
	q := complete.Query()
	q.Set("user_code", userCode)
	complete.RawQuery = q.Encode()
	return verificationURI, complete.String()
}
