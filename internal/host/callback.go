package host

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackServer listens on loopback for the authorization redirect and hands
// the full redirect URL back, leaving state and error checks to the engine.
type CallbackServer struct {
	Port     int
	listener net.Listener
	server   *http.Server
	result   chan string
	once     sync.Once
}

// Start begins listening on addr, or a random loopback port when addr is
// empty. Call Close when done.
func (s *CallbackServer) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	s.listener = ln
	s.Port = ln.Addr().(*net.TCPAddr).Port
	s.result = make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() { _ = s.server.Serve(ln) }()
	return nil
}

// RedirectURI returns the full callback URL.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.Port)
}

// WaitForCallback blocks until the redirect arrives or ctx is done.
func (s *CallbackServer) WaitForCallback(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", errors.New("timed out waiting for authorization callback")
	case u := <-s.result:
		return u, nil
	}
}

// Close shuts down the callback server.
func (s *CallbackServer) Close() {
	s.once.Do(func() {
		if s.server != nil {
			_ = s.server.Close()
		}
	})
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if oauthErr := q.Get("error"); oauthErr != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>%s: %s</p></body></html>",
			html.EscapeString(oauthErr), html.EscapeString(q.Get("error_description")))
	} else {
		fmt.Fprint(w, "<html><body><h1>Authentication successful!</h1><p>You can close this window and return to the terminal.</p></body></html>")
	}

	// Only the first redirect counts.
	select {
	case s.result <- s.RedirectURI() + "?" + r.URL.RawQuery:
	default:
	}
}
