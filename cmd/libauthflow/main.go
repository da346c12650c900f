// Command libauthflow builds the engine as a C shared library:
//
//	go build -buildmode=c-shared -o libauthflow.so ./cmd/libauthflow
//
// Every function returns an authflow_status. Strings and buffers written into
// caller structs are owned by the caller and released with the matching
// *_free or *_data_free function. Request and token handles found in a step
// are released with authflow_request_free and authflow_tokens_free; destroying
// the context releases any that remain.
package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef int32_t authflow_status;

typedef struct {
	const char* flow;
	const char* client_id;
	const char* client_secret;
	const char* client_auth;
	const char* authorization_url;
	const char* device_authorization_url;
	const char* token_url;
	const char* redirect_url;
	const char* scopes;
	const char* pkce_method;
	int64_t poll_floor_ms;
	int64_t slow_down_increment_ms;
	int64_t max_poll_interval_ms;
	const char* subject_token;
	const char* subject_token_type;
	const char* audience;
	const char* issuer;
	const char* id_token_keys_pem;
} authflow_config;

typedef struct {
	const char* name;
	const char* value;
} authflow_header_in;

typedef struct {
	char* name;
	char* value;
} authflow_header;

typedef struct {
	int32_t kind;
	char* url;
	char* user_code;
	char* verification_uri;
	char* verification_uri_complete;
	int64_t wait_seconds;
	uint64_t request;
	uint64_t tokens;
	int32_t error_kind;
	char* error_code;
	char* error_description;
	int32_t error_status;
} authflow_step;

typedef struct {
	int32_t method;
	char* url;
	authflow_header* headers;
	size_t headers_len;
	uint8_t* body;
	size_t body_len;
} authflow_request;

typedef struct {
	char* access_token;
	char* token_type;
	char* refresh_token;
	char* scope;
	int64_t expires_at_ms;
	int64_t issued_at_ms;
	char* id_token;
	char* subject;
	char* issued_token_type;
} authflow_tokens;
*/
import "C"

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/wrale/authflow/internal/boundary"
	"github.com/wrale/authflow/internal/config"
	"github.com/wrale/authflow/internal/httpmsg"
	"github.com/wrale/authflow/internal/pkce"
)

var (
	logger = newLogger()
	bridge = boundary.NewBridge(logger)
)

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("AUTHFLOW_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("lib", "authflow").Logger()
}

func main() {}

// guard converts a panic in the conversion layer into StatusPanic.
func guard(op string, status *C.authflow_status) {
	if r := recover(); r != nil {
		logger.Error().Str("op", op).Interface("panic", r).Msg("recovered panic in C layer")
		*status = C.authflow_status(boundary.StatusPanic)
	}
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

func cString(s string) *C.char {
	if s == "" {
		return nil
	}
	return C.CString(s)
}

func freeString(s **C.char) {
	if *s != nil {
		C.free(unsafe.Pointer(*s))
		*s = nil
	}
}

// configFrom copies a C config. id_token_keys_pem, when set, holds PEM
// encoded public keys for id_token verification.
func configFrom(c *C.authflow_config) (config.FlowConfig, error) {
	cfg := config.FlowConfig{
		Flow:                   config.Flow(goString(c.flow)),
		ClientID:               goString(c.client_id),
		ClientSecret:           goString(c.client_secret),
		ClientAuth:             config.ClientAuth(goString(c.client_auth)),
		AuthorizationURL:       goString(c.authorization_url),
		DeviceAuthorizationURL: goString(c.device_authorization_url),
		TokenURL:               goString(c.token_url),
		RedirectURL:            goString(c.redirect_url),
		Scopes:                 strings.Fields(goString(c.scopes)),
		PKCEMethod:             pkce.Method(goString(c.pkce_method)),
		PollFloor:              time.Duration(c.poll_floor_ms) * time.Millisecond,
		SlowDownIncrement:      time.Duration(c.slow_down_increment_ms) * time.Millisecond,
		MaxPollInterval:        time.Duration(c.max_poll_interval_ms) * time.Millisecond,
		SubjectToken:           goString(c.subject_token),
		SubjectTokenType:       goString(c.subject_token_type),
		Audience:               goString(c.audience),
		Issuer:                 goString(c.issuer),
	}
	if c.id_token_keys_pem != nil {
		keys, err := config.ParsePublicKeysPEM([]byte(C.GoString(c.id_token_keys_pem)))
		if err != nil {
			return config.FlowConfig{}, err
		}
		cfg.IDTokenKeys = keys
	}
	return cfg, nil
}

func writeStep(out *C.authflow_step, v boundary.StepView) {
	*out = C.authflow_step{}
	out.kind = C.int32_t(v.Kind)
	out.url = cString(v.URL)
	out.user_code = cString(v.UserCode)
	out.verification_uri = cString(v.VerificationURI)
	out.verification_uri_complete = cString(v.VerificationURIComplete)
	out.wait_seconds = C.int64_t(v.WaitSeconds)
	out.request = C.uint64_t(v.Request)
	out.tokens = C.uint64_t(v.Tokens)
	out.error_kind = C.int32_t(v.ErrorKind)
	out.error_code = cString(string(v.ErrorCode))
	out.error_description = cString(v.ErrorDescription)
	out.error_status = C.int32_t(v.ErrorStatus)
}

func finishStep(out *C.authflow_step, v boundary.StepView, res boundary.Result) C.authflow_status {
	if res.OK() {
		writeStep(out, v)
	} else {
		*out = C.authflow_step{}
	}
	return C.authflow_status(res.Status)
}

func invalidArgument() C.authflow_status {
	return C.authflow_status(boundary.StatusInvalidArgument)
}

//export authflow_create
func authflow_create(cfg *C.authflow_config, out *C.uint64_t, message **C.char) (status C.authflow_status) {
	defer guard("create", &status)
	if message != nil {
		*message = nil
	}
	if cfg == nil || out == nil {
		return invalidArgument()
	}
	*out = 0
	fc, err := configFrom(cfg)
	if err != nil {
		if message != nil {
			*message = cString(err.Error())
		}
		return C.authflow_status(boundary.StatusInvalidConfig)
	}
	h, res := bridge.Create(fc)
	*out = C.uint64_t(h)
	if !res.OK() && message != nil {
		*message = cString(res.Message)
	}
	return C.authflow_status(res.Status)
}

//export authflow_destroy
func authflow_destroy(h C.uint64_t) (status C.authflow_status) {
	defer guard("destroy", &status)
	return C.authflow_status(bridge.Destroy(boundary.Handle(h)).Status)
}

//export authflow_next_step
func authflow_next_step(h C.uint64_t, out *C.authflow_step) (status C.authflow_status) {
	defer guard("next_step", &status)
	if out == nil {
		return invalidArgument()
	}
	v, res := bridge.NextStep(boundary.Handle(h))
	return finishStep(out, v, res)
}

//export authflow_provide_response
func authflow_provide_response(h C.uint64_t, httpStatus C.int32_t, headers *C.authflow_header_in, headersLen C.size_t, body *C.uint8_t, bodyLen C.size_t, out *C.authflow_step) (status C.authflow_status) {
	defer guard("provide_response", &status)
	if out == nil || (headers == nil && headersLen > 0) || (body == nil && bodyLen > 0) {
		return invalidArgument()
	}
	// GoBytes takes a C int length.
	for name, n := range map[string]C.size_t{"body": bodyLen, "headers": headersLen} {
		if res := boundary.CheckBufferLen(name, uint64(n)); !res.OK() {
			*out = C.authflow_step{}
			logger.Warn().Str("op", "provide_response").Msg(res.Message)
			return C.authflow_status(res.Status)
		}
	}

	resp := httpmsg.Response{Status: int(httpStatus)}
	if headersLen > 0 {
		for _, hdr := range unsafe.Slice(headers, int(headersLen)) {
			resp.Headers = append(resp.Headers, httpmsg.Header{Name: goString(hdr.name), Value: goString(hdr.value)})
		}
	}
	if bodyLen > 0 {
		resp.Body = C.GoBytes(unsafe.Pointer(body), C.int(bodyLen))
	}

	v, res := bridge.ProvideResponse(boundary.Handle(h), resp)
	return finishStep(out, v, res)
}

//export authflow_tick
func authflow_tick(h C.uint64_t, nowMs C.int64_t, out *C.authflow_step) (status C.authflow_status) {
	defer guard("tick", &status)
	if out == nil {
		return invalidArgument()
	}
	v, res := bridge.Tick(boundary.Handle(h), int64(nowMs))
	return finishStep(out, v, res)
}

//export authflow_provide_authorization_code
func authflow_provide_authorization_code(h C.uint64_t, code *C.char, out *C.authflow_step) (status C.authflow_status) {
	defer guard("provide_authorization_code", &status)
	if out == nil || code == nil {
		return invalidArgument()
	}
	v, res := bridge.ProvideAuthorizationCode(boundary.Handle(h), C.GoString(code))
	return finishStep(out, v, res)
}

//export authflow_provide_callback
func authflow_provide_callback(h C.uint64_t, redirectURL *C.char, out *C.authflow_step) (status C.authflow_status) {
	defer guard("provide_callback", &status)
	if out == nil || redirectURL == nil {
		return invalidArgument()
	}
	v, res := bridge.ProvideCallback(boundary.Handle(h), C.GoString(redirectURL))
	return finishStep(out, v, res)
}

// authflow_step_free releases the strings of a step. Child handles are not
// released. Safe on a zeroed step.
//
//export authflow_step_free
func authflow_step_free(step *C.authflow_step) {
	var status C.authflow_status
	defer guard("step_free", &status)
	if step == nil {
		return
	}
	freeString(&step.url)
	freeString(&step.user_code)
	freeString(&step.verification_uri)
	freeString(&step.verification_uri_complete)
	freeString(&step.error_code)
	freeString(&step.error_description)
}

//export authflow_request_get
func authflow_request_get(h C.uint64_t, out *C.authflow_request) (status C.authflow_status) {
	defer guard("request_get", &status)
	if out == nil {
		return invalidArgument()
	}
	*out = C.authflow_request{}
	req, res := bridge.Request(boundary.Handle(h))
	if !res.OK() {
		return C.authflow_status(res.Status)
	}

	out.method = C.int32_t(req.Method)
	out.url = C.CString(req.URL)
	if n := len(req.Headers); n > 0 {
		size := C.size_t(n) * C.size_t(unsafe.Sizeof(C.authflow_header{}))
		out.headers = (*C.authflow_header)(C.malloc(size))
		dst := unsafe.Slice(out.headers, n)
		for i, hdr := range req.Headers {
			dst[i] = C.authflow_header{name: C.CString(hdr.Name), value: C.CString(hdr.Value)}
		}
		out.headers_len = C.size_t(n)
	}
	if len(req.Body) > 0 {
		out.body = (*C.uint8_t)(C.CBytes(req.Body))
		out.body_len = C.size_t(len(req.Body))
	}
	return C.authflow_status(boundary.StatusOK)
}

// authflow_request_data_free releases what authflow_request_get wrote.
//
//export authflow_request_data_free
func authflow_request_data_free(req *C.authflow_request) {
	var status C.authflow_status
	defer guard("request_data_free", &status)
	if req == nil {
		return
	}
	freeString(&req.url)
	if req.headers != nil {
		hdrs := unsafe.Slice(req.headers, int(req.headers_len))
		for i := range hdrs {
			freeString(&hdrs[i].name)
			freeString(&hdrs[i].value)
		}
		C.free(unsafe.Pointer(req.headers))
	}
	if req.body != nil {
		C.free(unsafe.Pointer(req.body))
	}
	*req = C.authflow_request{}
}

//export authflow_request_free
func authflow_request_free(h C.uint64_t) (status C.authflow_status) {
	defer guard("request_free", &status)
	return C.authflow_status(bridge.ReleaseRequest(boundary.Handle(h)).Status)
}

//export authflow_tokens_get
func authflow_tokens_get(h C.uint64_t, out *C.authflow_tokens) (status C.authflow_status) {
	defer guard("tokens_get", &status)
	if out == nil {
		return invalidArgument()
	}
	*out = C.authflow_tokens{}
	ts, res := bridge.Tokens(boundary.Handle(h))
	if !res.OK() {
		return C.authflow_status(res.Status)
	}
	out.access_token = C.CString(ts.AccessToken)
	out.token_type = C.CString(ts.TokenType)
	out.refresh_token = cString(ts.RefreshToken)
	out.scope = cString(ts.Scope)
	out.expires_at_ms = C.int64_t(ts.ExpiresAtMs)
	out.issued_at_ms = C.int64_t(ts.IssuedAtMs)
	out.id_token = cString(ts.IDToken)
	out.subject = cString(ts.Subject)
	out.issued_token_type = cString(ts.IssuedTokenType)
	return C.authflow_status(boundary.StatusOK)
}

// authflow_tokens_data_free releases what authflow_tokens_get wrote.
//
//export authflow_tokens_data_free
func authflow_tokens_data_free(ts *C.authflow_tokens) {
	var status C.authflow_status
	defer guard("tokens_data_free", &status)
	if ts == nil {
		return
	}
	freeString(&ts.access_token)
	freeString(&ts.token_type)
	freeString(&ts.refresh_token)
	freeString(&ts.scope)
	freeString(&ts.id_token)
	freeString(&ts.subject)
	freeString(&ts.issued_token_type)
}

//export authflow_tokens_free
func authflow_tokens_free(h C.uint64_t) (status C.authflow_status) {
	defer guard("tokens_free", &status)
	return C.authflow_status(bridge.ReleaseTokens(boundary.Handle(h)).Status)
}

// authflow_string_free releases a message returned by authflow_create.
//
//export authflow_string_free
func authflow_string_free(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

// authflow_bytes_free releases a buffer allocated by the library.
//
//export authflow_bytes_free
func authflow_bytes_free(b *C.uint8_t) {
	if b != nil {
		C.free(unsafe.Pointer(b))
	}
}

// authflow_status_string returns the status name. Release it with
// authflow_string_free.
//
//export authflow_status_string
func authflow_status_string(status C.authflow_status) *C.char {
	return C.CString(fmt.Sprint(boundary.Status(status)))
}
