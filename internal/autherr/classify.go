package autherr

import (
	"encoding/json"
	"mime"
	"net/url"
	"strings"
)

// ErrorResponse is the RFC 6749 section 5.2 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

var known = map[Code]Kind{
	CodeAuthorizationPending: KindTransient,
	CodeSlowDown:             KindTransient,

	CodeAccessDenied:         KindTerminal,
	CodeExpiredToken:         KindTerminal,
	CodeInvalidGrant:         KindTerminal,
	CodeInvalidClient:        KindTerminal,
	CodeUnauthorizedClient:   KindTerminal,
	CodeInvalidRequest:       KindTerminal,
	CodeInvalidScope:         KindTerminal,
	CodeUnsupportedGrantType: KindTerminal,
}

// Classify maps an HTTP status and OAuth error identifier onto the taxonomy.
// Identifiers outside the taxonomy, including an empty one, classify as
// Protocol.malformed_response so callers never see a free-form code.
func Classify(status int, code string) *Error {
	c := Code(strings.TrimSpace(code))
	if kind, ok := known[c]; ok {
		return &Error{Kind: kind, Code: c, Status: status}
	}
	desc := "unrecognised error code " + quote(code)
	if c == "" {
		desc = "error response without an error code"
	}
	return &Error{Kind: KindProtocol, Code: CodeMalformedResponse, Description: desc, Status: status}
}

// ClassifyResponse parses an error body and classifies it. The description
// from the body is kept when the code is recognised.
func ClassifyResponse(status int, contentType string, body []byte) *Error {
	resp, ok := ParseErrorBody(contentType, body)
	if !ok {
		return &Error{
			Kind:        KindProtocol,
			Code:        CodeMalformedResponse,
			Description: "unparseable error response",
			Status:      status,
		}
	}
	e := Classify(status, resp.Error)
	if e.Kind != KindProtocol && resp.ErrorDescription != "" {
		e.Description = resp.ErrorDescription
	}
	return e
}

// ParseErrorBody extracts an OAuth error from a JSON or form-encoded body.
// It reports false when the body carries no error member.
func ParseErrorBody(contentType string, body []byte) (ErrorResponse, bool) {
	var resp ErrorResponse
	if isForm(contentType) {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return resp, false
		}
		resp.Error = vals.Get("error")
		resp.ErrorDescription = vals.Get("error_description")
		resp.ErrorURI = vals.Get("error_uri")
	} else if err := json.Unmarshal(body, &resp); err != nil {
		return resp, false
	}
	return resp, resp.Error != ""
}

func isForm(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/x-www-form-urlencoded" || mt == "text/plain"
}

func quote(s string) string {
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return `"` + s + `"`
}
