package filters

import (
	"net"
	"net/http"
	"strings"

	"motya/internal/keyselect"
)

// KeyContext adapts a Request into the keyselect.Context the balancer's
// and rate limiter's key templates read from.
func KeyContext(req *Request) keyselect.Context {
	return requestContext{req: req}
}

type requestContext struct {
	req *Request
}

func (c requestContext) GetPath() string { return c.req.Path }

func (c requestContext) GetHeader(name string) (string, bool) {
	values, ok := c.req.Headers[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (c requestContext) GetCookie(name string) (string, bool) {
	cookieHeader, ok := c.GetHeader("Cookie")
	if !ok {
		return "", false
	}
	for _, part := range strings.Split(cookieHeader, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && k == name {
			return v, true
		}
	}
	return "", false
}

func (c requestContext) GetIP() string {
	host, _, err := net.SplitHostPort(c.req.Remote)
	if err != nil {
		return c.req.Remote
	}
	return host
}
