package httpmsg

import (
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMethodRoundTrip(t *testing.T) {
	for _, m := range []Method{MethodGet, MethodPost, MethodPut, MethodDelete} {
		got, err := ParseMethod(m.String())
		if err != nil {
			t.Fatalf("ParseMethod(%q): %v", m.String(), err)
		}
		if got != m {
			t.Errorf("ParseMethod(%q) = %v, want %v", m.String(), got, m)
		}
	}

	if _, err := ParseMethod("PATCH"); err == nil {
		t.Error("expected error for PATCH")
	}
}

func TestHeadersGet(t *testing.T) {
	h := Headers{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "X-Dup", Value: "first"},
		{Name: "x-dup", Value: "second"},
	}

	tests := []struct {
		name string
		want string
	}{
		{"content-type", "application/json"},
		{"X-DUP", "first"},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := h.Get(tt.name); got != tt.want {
			t.Errorf("Get(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRequestCloneDoesNotAlias(t *testing.T) {
	orig := NewFormPost("https://auth.example.com/token", url.Values{"a": {"b"}})
	clone := orig.Clone()

	clone.Headers[0].Value = "changed"
	clone.Body[0] = 'z'

	if orig.Headers[0].Value == "changed" {
		t.Error("clone shares header storage with original")
	}
	if orig.Body[0] == 'z' {
		t.Error("clone shares body storage with original")
	}
}

func TestNewFormPost(t *testing.T) {
	req := NewFormPost("https://auth.example.com/token",
		url.Values{"grant_type": {"authorization_code"}, "code": {"abc"}},
		Header{Name: "Authorization", Value: "Basic x"},
	)

	want := Request{
		Method: MethodPost,
		URL:    "https://auth.example.com/token",
		Headers: Headers{
			{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
			{Name: "Accept", Value: "application/json"},
			{Name: "Authorization", Value: "Basic x"},
		},
		Body: []byte("code=abc&grant_type=authorization_code"),
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("NewFormPost mismatch (-want +got):\n%s", diff)
	}
}
