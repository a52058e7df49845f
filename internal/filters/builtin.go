package filters

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Fully-qualified names of the built-in filters.
const (
	FQDNBlockCIDRRange       = "motya.filters.block-cidr-range"
	FQDNRequestUpsertHeader  = "motya.request.upsert-header"
	FQDNRequestRemoveHeader  = "motya.request.remove-header"
	FQDNResponseUpsertHeader = "motya.response.upsert-header"
	FQDNResponseRemoveHeader = "motya.response.remove-header"
)

// builtinCatalog is the static table of built-in filters: the fixed,
// never-extended list the design notes ask for in place of a
// macro-generated registry.
var builtinCatalog = []struct {
	fqdn    string
	factory Factory
}{
	{FQDNBlockCIDRRange, buildBlockCIDRRange},
	{FQDNRequestUpsertHeader, buildRequestUpsertHeader},
	{FQDNRequestRemoveHeader, buildRequestRemoveHeader},
	{FQDNResponseUpsertHeader, buildResponseUpsertHeader},
	{FQDNResponseRemoveHeader, buildResponseRemoveHeader},
}

func requireArg(args Args, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == "" {
		return "", fmt.Errorf("missing required setting %q", key)
	}
	return v, nil
}

// --- motya.filters.block-cidr-range ---

type blockCIDRRange struct {
	networks []*net.IPNet
}

// buildBlockCIDRRange parses addrs, a comma-separated CIDR list, into the
// block set.
func buildBlockCIDRRange(args Args) (any, error) {
	raw, err := requireArg(args, "addrs")
	if err != nil {
		return nil, err
	}
	var networks []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, network, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
		}
		networks = append(networks, network)
	}
	if len(networks) == 0 {
		return nil, fmt.Errorf("addrs %q contains no CIDR ranges", raw)
	}
	return &blockCIDRRange{networks: networks}, nil
}

// Apply returns a terminal 401 response with an empty body when the
// request's remote address falls inside any configured range; the upstream
// is never contacted.
func (f *blockCIDRRange) Apply(req *Request) (*Response, bool, error) {
	host := req.Remote
	if h, _, err := net.SplitHostPort(req.Remote); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false, nil
	}
	for _, network := range f.networks {
		if network.Contains(ip) {
			return &Response{StatusCode: http.StatusUnauthorized}, true, nil
		}
	}
	return nil, false, nil
}

// --- motya.request.upsert-header ---

type requestUpsertHeader struct {
	name  string
	value string
}

func buildRequestUpsertHeader(args Args) (any, error) {
	name, err := requireArg(args, "key")
	if err != nil {
		return nil, err
	}
	return &requestUpsertHeader{name: name, value: args["value"]}, nil
}

func (f *requestUpsertHeader) Apply(req *Request) error {
	if req.Headers == nil {
		req.Headers = make(map[string][]string)
	}
	req.Headers[f.name] = []string{f.value}
	return nil
}

// --- motya.request.remove-header ---

type requestRemoveHeader struct{ name string }

func buildRequestRemoveHeader(args Args) (any, error) {
	name, err := requireArg(args, "key")
	if err != nil {
		return nil, err
	}
	return &requestRemoveHeader{name: name}, nil
}

func (f *requestRemoveHeader) Apply(req *Request) error {
	delete(req.Headers, f.name)
	return nil
}

// --- motya.response.upsert-header ---

type responseUpsertHeader struct {
	name  string
	value string
}

func buildResponseUpsertHeader(args Args) (any, error) {
	name, err := requireArg(args, "key")
	if err != nil {
		return nil, err
	}
	return &responseUpsertHeader{name: name, value: args["value"]}, nil
}

func (f *responseUpsertHeader) Apply(resp *Response) error {
	if resp.Headers == nil {
		resp.Headers = make(map[string][]string)
	}
	resp.Headers[f.name] = []string{f.value}
	return nil
}

// --- motya.response.remove-header ---

type responseRemoveHeader struct{ name string }

func buildResponseRemoveHeader(args Args) (any, error) {
	name, err := requireArg(args, "key")
	if err != nil {
		return nil, err
	}
	return &responseRemoveHeader{name: name}, nil
}

func (f *responseRemoveHeader) Apply(resp *Response) error {
	delete(resp.Headers, f.name)
	return nil
}
