package driver

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"motya/internal/balancer"
	"motya/internal/configmodel"
	"motya/internal/filters"
	"motya/internal/keyselect"
	"motya/internal/metrics"
)

type fakeUpstream struct {
	calls       int
	lastPath    string
	lastBackend string
	backends    map[string]bool
	lastHeaders map[string][]string
}

func (f *fakeUpstream) Forward(ctx context.Context, b balancer.Backend, req *filters.Request, body []byte) (*filters.Response, error) {
	f.calls++
	f.lastPath = req.Path
	f.lastBackend = b.Address
	if f.backends == nil {
		f.backends = map[string]bool{}
	}
	f.backends[b.Address] = true
	f.lastHeaders = req.Headers
	return &filters.Response{StatusCode: 200, Headers: map[string][]string{}}, nil
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func mustTemplate(t *testing.T, s string) configmodel.KeyTemplate {
	t.Helper()
	tmpl, err := keyselect.ParseTemplate(s)
	if err != nil {
		t.Fatal(err)
	}
	return tmpl
}

func chainItem(fqdn string, args map[string]string) configmodel.ChainItem {
	return configmodel.ChainItem{Filter: &configmodel.FilterInvocation{FQDN: fqdn, Args: args}}
}

func singleUpstream(chains []string, items map[string]configmodel.ChainDef) *configmodel.Config {
	return &configmodel.Config{
		Definitions: configmodel.Definitions{Chains: items},
		Services: []configmodel.ServiceConfig{{
			Name: "svc",
			Connectors: &configmodel.ConnectorsConfig{Upstreams: []configmodel.UpstreamContext{{
				Kind:    configmodel.UpstreamService,
				Servers: []configmodel.UpstreamEntry{{Addr: "10.0.0.1:80", Weight: 1}},
				Chains:  chains,
			}}},
		}},
	}
}

func buildDriver(t *testing.T, cfg *configmodel.Config, up Upstream) *Driver {
	t.Helper()
	services, err := BuildServices(cfg, filters.NewRegistry(), metrics.NewUnregistered())
	if err != nil {
		t.Fatal(err)
	}
	return New(services[0], up, metrics.NewUnregistered(), testLogger())
}

func TestHandle_BlockByCIDR(t *testing.T) {
	cfg := singleUpstream([]string{"edge"}, map[string]configmodel.ChainDef{
		"edge": {Name: "edge", Items: []configmodel.ChainItem{
			chainItem("motya.filters.block-cidr-range", map[string]string{"addrs": "127.0.0.0/8"}),
		}},
	})
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	resp := d.Handle(context.Background(), &filters.Request{Path: "/", Method: "GET", Remote: "127.0.0.1:9999"}, nil)
	if resp.StatusCode != 401 {
		t.Fatalf("got status %d, want 401", resp.StatusCode)
	}
	if len(resp.Body) != 0 {
		t.Fatalf("expected an empty body, got %q", resp.Body)
	}
	if up.calls != 0 {
		t.Fatalf("upstream should never be contacted, got %d calls", up.calls)
	}
}

func TestHandle_AcceptOutsideCIDR(t *testing.T) {
	cfg := singleUpstream([]string{"edge"}, map[string]configmodel.ChainDef{
		"edge": {Name: "edge", Items: []configmodel.ChainItem{
			chainItem("motya.filters.block-cidr-range", map[string]string{"addrs": "10.0.0.0/8"}),
		}},
	})
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	resp := d.Handle(context.Background(), &filters.Request{Path: "/", Method: "GET", Remote: "127.0.0.1:9999"}, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if up.calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", up.calls)
	}
}

func TestHandle_HeaderUpsertReachesUpstreamExactlyOnce(t *testing.T) {
	cfg := singleUpstream([]string{"edge"}, map[string]configmodel.ChainDef{
		"edge": {Name: "edge", Items: []configmodel.ChainItem{
			chainItem("motya.request.upsert-header", map[string]string{"key": "X-Proxy", "value": "motya"}),
		}},
	})
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	req := &filters.Request{Path: "/", Method: "GET", Remote: "1.2.3.4:1", Headers: map[string][]string{}}
	d.Handle(context.Background(), req, nil)
	if got := up.lastHeaders["X-Proxy"]; len(got) != 1 || got[0] != "motya" {
		t.Fatalf("got headers %v, want exactly one X-Proxy: motya", up.lastHeaders)
	}
}

func TestHandle_RateLimitDeniesAfterBurst(t *testing.T) {
	cfg := singleUpstream([]string{"edge"}, map[string]configmodel.ChainDef{
		"edge": {Name: "edge", Items: []configmodel.ChainItem{
			{RateLimit: &configmodel.RateLimitRef{Inline: &configmodel.RateLimitPolicyDef{
				Name:      "burst",
				Rate:      1.0,
				Burst:     2,
				Templates: []configmodel.KeyTemplate{mustTemplate(t, "${ip}")},
			}}},
		}},
	})
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	req := func() *filters.Request { return &filters.Request{Path: "/", Method: "GET", Remote: "9.9.9.9:1234"} }

	r1 := d.Handle(context.Background(), req(), nil)
	r2 := d.Handle(context.Background(), req(), nil)
	r3 := d.Handle(context.Background(), req(), nil)
	if r1.StatusCode != 200 || r2.StatusCode != 200 {
		t.Fatalf("expected first two requests to pass, got %d, %d", r1.StatusCode, r2.StatusCode)
	}
	if r3.StatusCode != 429 {
		t.Fatalf("expected third request denied, got %d", r3.StatusCode)
	}
	if got := r3.Headers["Retry-After"]; len(got) != 1 || got[0] != "1" {
		t.Fatalf("Retry-After = %v, want [\"1\"]", got)
	}
	if up.calls != 2 {
		t.Fatalf("denied request must not reach the upstream, got %d calls", up.calls)
	}
}

func TestHandle_StaticUpstream(t *testing.T) {
	cfg := &configmodel.Config{
		Services: []configmodel.ServiceConfig{{
			Name: "svc",
			Connectors: &configmodel.ConnectorsConfig{Upstreams: []configmodel.UpstreamContext{{
				Kind:         configmodel.UpstreamStatic,
				StaticStatus: 204,
				StaticBody:   "ok",
			}}},
		}},
	}
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	resp := d.Handle(context.Background(), &filters.Request{Path: "/healthz", Method: "GET", Remote: "1.1.1.1:1"}, nil)
	if resp.StatusCode != 204 || string(resp.Body) != "ok" {
		t.Fatalf("got %d %q", resp.StatusCode, resp.Body)
	}
	if up.calls != 0 {
		t.Fatal("static upstream must not forward")
	}
}

func TestHandle_PathRoutingAndRewrite(t *testing.T) {
	cfg := &configmodel.Config{
		Services: []configmodel.ServiceConfig{{
			Name: "svc",
			Connectors: &configmodel.ConnectorsConfig{Upstreams: []configmodel.UpstreamContext{
				{
					Kind:       configmodel.UpstreamService,
					Servers:    []configmodel.UpstreamEntry{{Addr: "api:80", Weight: 1}},
					PrefixPath: "/api",
					TargetPath: "/",
					Matcher:    configmodel.MatchPrefix,
				},
				{
					Kind:    configmodel.UpstreamService,
					Servers: []configmodel.UpstreamEntry{{Addr: "web:80", Weight: 1}},
				},
			}},
		}},
	}
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	d.Handle(context.Background(), &filters.Request{Path: "/api/users", Method: "GET", Remote: "1.1.1.1:1"}, nil)
	if up.lastPath != "/users" {
		t.Fatalf("rewritten path = %q, want /users", up.lastPath)
	}

	d.Handle(context.Background(), &filters.Request{Path: "/index.html", Method: "GET", Remote: "1.1.1.1:1"}, nil)
	if up.lastPath != "/index.html" {
		t.Fatalf("fallthrough path = %q, want untouched", up.lastPath)
	}
}

func TestHandle_ResponseFilterRuns(t *testing.T) {
	cfg := singleUpstream([]string{"edge"}, map[string]configmodel.ChainDef{
		"edge": {Name: "edge", Items: []configmodel.ChainItem{
			chainItem("motya.response.upsert-header", map[string]string{"key": "X-Served-By", "value": "motya"}),
		}},
	})
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	resp := d.Handle(context.Background(), &filters.Request{Path: "/", Method: "GET", Remote: "1.1.1.1:1"}, nil)
	if got := resp.Headers["X-Served-By"]; len(got) != 1 || got[0] != "motya" {
		t.Fatalf("response headers = %v", resp.Headers)
	}
}

func TestHandle_UpstreamFailureMapsTo502(t *testing.T) {
	cfg := singleUpstream(nil, nil)
	d := buildDriver(t, cfg, failingUpstream{})

	resp := d.Handle(context.Background(), &filters.Request{Path: "/", Method: "GET", Remote: "1.1.1.1:1"}, nil)
	if resp.StatusCode != 502 {
		t.Fatalf("got status %d, want 502", resp.StatusCode)
	}
}

type failingUpstream struct{}

func (failingUpstream) Forward(ctx context.Context, b balancer.Backend, req *filters.Request, body []byte) (*filters.Response, error) {
	return nil, context.DeadlineExceeded
}

func TestBuildServices_KetamaSelectorKey(t *testing.T) {
	cfg := &configmodel.Config{
		Services: []configmodel.ServiceConfig{{
			Name: "svc",
			Connectors: &configmodel.ConnectorsConfig{Upstreams: []configmodel.UpstreamContext{{
				Kind: configmodel.UpstreamMultiServer,
				Servers: []configmodel.UpstreamEntry{
					{Addr: "a:80", Weight: 1},
					{Addr: "b:80", Weight: 1},
				},
				LB: configmodel.LBConfig{
					Kind:      configmodel.BalancerKetama,
					Hash:      configmodel.HashKetama,
					Templates: []configmodel.KeyTemplate{mustTemplate(t, "${ip}")},
				},
			}}},
		}},
	}
	up := &fakeUpstream{}
	d := buildDriver(t, cfg, up)

	// The same client IP must land on the same backend every time.
	for i := 0; i < 5; i++ {
		d.Handle(context.Background(), &filters.Request{Path: "/", Method: "GET", Remote: "9.9.9.9:1"}, nil)
	}
	if up.calls != 5 {
		t.Fatalf("expected 5 proxied requests, got %d", up.calls)
	}
	if len(up.backends) != 1 {
		t.Fatalf("ketama with a fixed key should be sticky, saw backends %v", up.backends)
	}
}

func TestHandle_DroppedFileServerServiceHasNoUpstream(t *testing.T) {
	cfg := &configmodel.Config{
		Services: []configmodel.ServiceConfig{{
			Name:       "assets",
			FileServer: &configmodel.FileServerConfig{Root: "/srv"},
		}},
	}
	d := buildDriver(t, cfg, &fakeUpstream{})
	resp := d.Handle(context.Background(), &filters.Request{Path: "/", Method: "GET", Remote: "1.1.1.1:1"}, nil)
	if resp.StatusCode != 502 {
		t.Fatalf("file-server services are not proxied in this build, want 502, got %d", resp.StatusCode)
	}
}
