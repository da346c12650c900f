package authservertest

import (
	"encoding/json"
	"net/http"
	"strings"
)

// OAuth error codes the server emits
const (
	errInvalidRequest       = "invalid_request"
	errInvalidClient        = "invalid_client"
	errInvalidGrant         = "invalid_grant"
	errUnsupportedGrantType = "unsupported_grant_type"
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"
	errAccessDenied         = "access_denied"
	errExpiredToken         = "expired_token"
	errServerError          = "server_error"
)

// errorResponse is the RFC 6749 section 5.2 body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// setJSONHeaders sets required headers for token endpoint responses
func setJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
}

// writeError sends an OAuth error. invalid_client is 401 per RFC 6749
// section 5.2; everything else is 400.
func writeError(w http.ResponseWriter, code string, description string) {
	setJSONHeaders(w)

	status := http.StatusBadRequest
	if code == errInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="authservertest"`)
		status = http.StatusUnauthorized
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:            code,
		ErrorDescription: strings.TrimSpace(description),
	})
}

// writeJSON sends a 200 JSON body
func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		setJSONHeaders(w)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"server_error","error_description":"Failed to encode response"}`))
		return
	}
	setJSONHeaders(w)
	_, _ = w.Write(data)
}
