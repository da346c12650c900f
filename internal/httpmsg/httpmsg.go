// Package httpmsg defines the plain-data HTTP requests and responses the
// engine exchanges with its host. Nothing here performs I/O: the host executes
// a Request however it likes and hands back a Response.
package httpmsg

import (
	"fmt"
	"net/url"
	"strings"
)

// Method is the HTTP method of a Request.
type Method uint8

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodDelete
)

// String returns the canonical method token.
func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// ParseMethod maps a method token back to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return MethodGet, nil
	case "POST":
		return MethodPost, nil
	case "PUT":
		return MethodPut, nil
	case "DELETE":
		return MethodDelete, nil
	}
	return 0, fmt.Errorf("unsupported http method %q", s)
}

// Header is a single name/value pair. Order is significant and duplicates are
// allowed.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of header pairs.
type Headers []Header

// Get returns the first value for name, matched case-insensitively.
func (h Headers) Get(name string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value
		}
	}
	return ""
}

// Request describes an outbound call the host must perform.
type Request struct {
	Method  Method
	URL     string
	Headers Headers
	Body    []byte
}

// Clone returns a deep copy so callers can never alias engine-owned memory.
func (r Request) Clone() Request {
	out := r
	if r.Headers != nil {
		out.Headers = append(Headers(nil), r.Headers...)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Response is what the host observed after executing a Request.
type Response struct {
	Status  int
	Headers Headers
	Body    []byte
}

// ContentType returns the Content-Type header, if any.
func (r Response) ContentType() string {
	return r.Headers.Get("Content-Type")
}

// NewFormPost builds a form-encoded POST that asks for a JSON answer.
func NewFormPost(endpoint string, form url.Values, extra ...Header) Request {
	headers := Headers{
		{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
		{Name: "Accept", Value: "application/json"},
	}
	headers = append(headers, extra...)
	return Request{
		Method:  MethodPost,
		URL:     endpoint,
		Headers: headers,
		Body:    []byte(form.Encode()),
	}
}
