package host

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wrale/authflow/internal/httpmsg"
)

func TestDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-B", "2")
		w.Header().Add("X-A", "1")
		w.Header().Add("X-A", "1b")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(r.Method + " " + r.Header.Get("Accept") + " " + string(body)))
	}))
	defer srv.Close()

	req := httpmsg.NewFormPost(srv.URL, map[string][]string{"a": {"b"}})
	resp, err := Do(context.Background(), srv.Client(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusTeapot {
		t.Errorf("status = %d, want %d", resp.Status, http.StatusTeapot)
	}
	if got, want := string(resp.Body), "POST application/json a=b"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	var custom httpmsg.Headers
	for _, h := range resp.Headers {
		if strings.HasPrefix(h.Name, "X-") {
			custom = append(custom, h)
		}
	}
	want := httpmsg.Headers{{Name: "X-A", Value: "1"}, {Name: "X-A", Value: "1b"}, {Name: "X-B", Value: "2"}}
	if diff := cmp.Diff(want, custom); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
}

func TestDoLimitsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxResponseBytes+100)))
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), srv.Client(), httpmsg.Request{Method: httpmsg.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(resp.Body) != MaxResponseBytes {
		t.Errorf("body length = %d, want %d", len(resp.Body), MaxResponseBytes)
	}
}

func TestCallbackServer(t *testing.T) {
	s := &CallbackServer{}
	if err := s.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	go func() {
		resp, err := http.Get(s.RedirectURI() + "?error=access_denied&error_description=%3Cb%3E&state=s")
		if err == nil {
			resp.Body.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := s.WaitForCallback(ctx)
	if err != nil {
		t.Fatalf("WaitForCallback: %v", err)
	}
	if want := s.RedirectURI() + "?error=access_denied&error_description=%3Cb%3E&state=s"; got != want {
		t.Errorf("redirect = %q, want %q", got, want)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if _, err := s.WaitForCallback(short); err == nil {
		t.Error("expected timeout")
	}
}
