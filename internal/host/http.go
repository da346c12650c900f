package host

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/wrale/authflow/internal/httpmsg"
)

// MaxResponseBytes bounds how much of a response body is read.
const MaxResponseBytes = 1 << 20

// Do executes req with client, or http.DefaultClient when nil. Only transport
// failures are errors; any HTTP status is returned as a response.
func Do(ctx context.Context, client *http.Client, req httpmsg.Request) (httpmsg.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method.String(), req.URL, body)
	if err != nil {
		return httpmsg.Response{}, fmt.Errorf("building request: %w", err)
	}
	for _, h := range req.Headers {
		hreq.Header.Add(h.Name, h.Value)
	}

	hresp, err := client.Do(hreq)
	if err != nil {
		return httpmsg.Response{}, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, MaxResponseBytes))
	if err != nil {
		return httpmsg.Response{}, fmt.Errorf("reading response: %w", err)
	}

	return httpmsg.Response{
		Status:  hresp.StatusCode,
		Headers: headers(hresp.Header),
		Body:    data,
	}, nil
}

// headers flattens h in name order so responses are reproducible.
func headers(h http.Header) httpmsg.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var out httpmsg.Headers
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, httpmsg.Header{Name: name, Value: v})
		}
	}
	return out
}
