package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"motya/internal/balancer"
	"motya/internal/filters"
)

// Upstream forwards a request to a chosen backend and returns its
// response. The production listener/transport (HTTP/1.1, HTTP/2, TLS
// termination) is the external collaborator this core hands connection
// handling to; Upstream is the seam the driver calls through, and
// HTTPUpstream below is a plain net/http implementation of it good enough
// to exercise the rest of the pipeline end to end.
type Upstream interface {
	Forward(ctx context.Context, backend balancer.Backend, req *filters.Request, body []byte) (*filters.Response, error)
}

// HTTPUpstream forwards requests over plain HTTP using the standard
// library's client, scheme fixed at construction (the balancer only ever
// hands back a host:port backend, not a full URL).
type HTTPUpstream struct {
	Scheme string
	Client *http.Client
}

// NewHTTPUpstream builds an HTTPUpstream with a bounded-timeout client: a
// single attempt per request, mapped to 502 on any failure, with no
// retries at this layer.
func NewHTTPUpstream(scheme string) *HTTPUpstream {
	if scheme == "" {
		scheme = "http"
	}
	return &HTTPUpstream{
		Scheme: scheme,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (u *HTTPUpstream) Forward(ctx context.Context, backend balancer.Backend, req *filters.Request, body []byte) (*filters.Response, error) {
	url := fmt.Sprintf("%s://%s%s", u.Scheme, backend.Address, req.Path)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := u.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &filters.Response{StatusCode: resp.StatusCode, Headers: map[string][]string{}, Body: respBody}
	for name, values := range resp.Header {
		out.Headers[name] = values
	}
	return out, nil
}
