package compiler

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"motya/internal/collector"
	"motya/internal/configmodel"
	"motya/internal/kdl"
)

var testCatalog = []string{
	"motya.filters.block-cidr-range",
	"motya.request.upsert-header",
	"motya.request.remove-header",
	"motya.response.upsert-header",
	"motya.response.remove-header",
}

func parseSource(t *testing.T, path, src string) collector.Source {
	t.Helper()
	doc, errs := kdl.Parse(src)
	for _, e := range errs {
		t.Fatalf("%s: parse error: %s", path, e.Message)
	}
	return collector.Source{Path: path, Doc: doc}
}

func compile(t *testing.T, userVars map[string]string, srcs ...collector.Source) *configmodel.Config {
	t.Helper()
	cfg, errs := New(userVars, WithFilterCatalog(testCatalog)).Compile(srcs)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	return cfg
}

func TestCompile_EndToEnd(t *testing.T) {
	src := parseSource(t, "root.kdl", `
system {
    threads-per-service 4
    pid-file "/run/motya.pid"
    providers {
        files watch=#true
    }
}
definitions {
    storage "mem" memory max-keys=1000 cleanup="10s"
    rate-limit "burst" {
        algorithm "token-bucket"
        storage "mem"
        key "${ip}" fallback="${header.x-forwarded-for}"
        transforms-order {
            lowercase
            truncate length=64
        }
        burst 10
        rate 5.0
    }
    chain "edge" {
        filter "motya.filters.block-cidr-range" addrs="10.0.0.0/8"
        filter "motya.request.upsert-header" key="X-Proxy" value="motya"
        rate-limit "burst"
    }
}
services {
    edge {
        listeners {
            "0.0.0.0:8080"
            "0.0.0.0:8443" cert-path="/etc/c.pem" key-path="/etc/k.pem" offer-h2=#true
        }
        connectors {
            upstream "http://10.1.0.1:9000" {
                use-chain "edge"
            }
        }
    }
}
`)
	cfg := compile(t, nil, src)

	if cfg.System.ThreadsPerService != 4 || cfg.System.PidFile != "/run/motya.pid" {
		t.Errorf("system config = %+v", cfg.System)
	}
	if len(cfg.System.Providers) != 1 || cfg.System.Providers[0].Kind != configmodel.ProviderFiles || !cfg.System.Providers[0].Watch {
		t.Errorf("providers = %+v", cfg.System.Providers)
	}

	store := cfg.Definitions.Storages["mem"]
	if store.Kind != configmodel.StorageMemory || store.MaxKeys != 1000 || store.Cleanup != 10*time.Second {
		t.Errorf("storage = %+v", store)
	}

	policy := cfg.Definitions.RateLimits["burst"]
	if policy.Rate != 5.0 || policy.Burst != 10 || policy.StorageName != "mem" {
		t.Errorf("policy = %+v", policy)
	}
	if len(policy.Templates) != 2 {
		t.Fatalf("policy templates = %+v, want primary + fallback", policy.Templates)
	}
	wantTransforms := []configmodel.Transform{
		{Kind: configmodel.TransformLowercase},
		{Kind: configmodel.TransformTruncate, Length: 64},
	}
	if diff := cmp.Diff(wantTransforms, policy.Transforms); diff != "" {
		t.Errorf("transforms mismatch (-want +got):\n%s", diff)
	}

	chain := cfg.Definitions.Chains["edge"]
	if len(chain.Items) != 3 {
		t.Fatalf("chain items = %+v", chain.Items)
	}
	if chain.Items[0].Filter.FQDN != "motya.filters.block-cidr-range" || chain.Items[0].Filter.Args["addrs"] != "10.0.0.0/8" {
		t.Errorf("item 0 = %+v", chain.Items[0].Filter)
	}
	if chain.Items[2].RateLimit == nil || chain.Items[2].RateLimit.Name != "burst" {
		t.Errorf("item 2 = %+v", chain.Items[2])
	}

	if len(cfg.Services) != 1 {
		t.Fatalf("got %d services, want 1", len(cfg.Services))
	}
	svc := cfg.Services[0]
	if svc.Name != "edge" || len(svc.Listeners) != 2 {
		t.Fatalf("service = %+v", svc)
	}
	if !svc.Listeners[1].OfferH2 || svc.Listeners[1].CertPath != "/etc/c.pem" {
		t.Errorf("tls listener = %+v", svc.Listeners[1])
	}
	if svc.Connectors == nil || len(svc.Connectors.Upstreams) != 1 {
		t.Fatalf("connectors = %+v", svc.Connectors)
	}
	up := svc.Connectors.Upstreams[0]
	if up.Kind != configmodel.UpstreamService || up.Servers[0].Addr != "10.1.0.1:9000" {
		t.Errorf("upstream = %+v", up)
	}
	if len(up.Chains) != 1 || up.Chains[0] != "edge" {
		t.Errorf("upstream chains = %+v", up.Chains)
	}
}

func TestCompile_MultiServerUpstreamAndKeyProfile(t *testing.T) {
	src := parseSource(t, "root.kdl", `
definitions {
    key-profile "per-user" {
        key "${header.x-user-id}" fallback="${ip}"
        transforms-order {
            lowercase
        }
    }
}
services {
    edge {
        listeners {
            "127.0.0.1:8080"
        }
        connectors {
            upstream lb="ketama" key-profile="per-user" prefix-path="/api" target-path="/" {
                server "10.1.0.1:9000" weight=2
                server "10.1.0.2:9000"
            }
        }
    }
}
`)
	cfg := compile(t, nil, src)
	up := cfg.Services[0].Connectors.Upstreams[0]
	if up.Kind != configmodel.UpstreamMultiServer || len(up.Servers) != 2 {
		t.Fatalf("upstream = %+v", up)
	}
	if up.Servers[0].Weight != 2 || up.Servers[1].Weight != 1 {
		t.Errorf("weights = %+v", up.Servers)
	}
	if up.LB.Kind != configmodel.BalancerKetama || up.LB.Hash != configmodel.HashKetama {
		t.Errorf("lb = %+v", up.LB)
	}
	if len(up.LB.Templates) != 2 || len(up.LB.Transforms) != 1 {
		t.Errorf("lb key profile not folded in: %+v", up.LB)
	}
	if up.PrefixPath != "/api" || up.TargetPath != "/" || up.Matcher != configmodel.MatchPrefix {
		t.Errorf("path matching = %+v", up)
	}
}

func TestCompile_StaticUpstream(t *testing.T) {
	src := parseSource(t, "root.kdl", `
services {
    health {
        listeners {
            "127.0.0.1:8081"
        }
        connectors {
            upstream "static" status=204
        }
    }
}
`)
	cfg := compile(t, nil, src)
	up := cfg.Services[0].Connectors.Upstreams[0]
	if up.Kind != configmodel.UpstreamStatic || up.StaticStatus != 204 {
		t.Fatalf("upstream = %+v", up)
	}
}

func TestCompile_DefinitionsSplitAcrossFiles(t *testing.T) {
	// The rate-limit in the first file references a storage and key-profile
	// defined in the second; the two-pass collect makes that legal.
	first := parseSource(t, "a.kdl", `
definitions {
    rate-limit "burst" {
        storage "mem"
        key-profile "per-ip"
        burst 2
        rate 1.0
    }
}
`)
	second := parseSource(t, "b.kdl", `
definitions {
    storage "mem" memory
    key-profile "per-ip" {
        key "${ip}"
    }
}
`)
	cfg := compile(t, nil, first, second)
	policy := cfg.Definitions.RateLimits["burst"]
	if len(policy.Templates) != 1 {
		t.Fatalf("profile templates not folded in: %+v", policy)
	}
}

func TestCompile_InlineRateLimitInChain(t *testing.T) {
	src := parseSource(t, "root.kdl", `
definitions {
    storage "mem" memory
    chain "edge" {
        rate-limit {
            storage "mem"
            key "${ip}"
            burst 2
            rate 1.0
        }
    }
}
`)
	cfg := compile(t, nil, src)
	items := cfg.Definitions.Chains["edge"].Items
	if len(items) != 1 || items[0].RateLimit == nil || items[0].RateLimit.Inline == nil {
		t.Fatalf("chain items = %+v", items)
	}
	if items[0].RateLimit.Inline.Burst != 2 {
		t.Errorf("inline policy = %+v", items[0].RateLimit.Inline)
	}
}

func TestCompile_VarInterpolation(t *testing.T) {
	src := parseSource(t, "root.kdl", `
services {
    edge {
        listeners {
            "${var.bind_addr}"
        }
        connectors {
            upstream "10.1.0.1:9000"
        }
    }
}
`)
	cfg := compile(t, map[string]string{"bind_addr": "0.0.0.0:9090"}, src)
	if cfg.Services[0].Listeners[0].Addr != "0.0.0.0:9090" {
		t.Errorf("listener = %+v, want interpolated address", cfg.Services[0].Listeners[0])
	}
}

func TestCompile_KeyTemplatesSurviveInterpolation(t *testing.T) {
	// ${ip} and ${header.x} share the ${...} syntax with env/var
	// interpolation but must reach the key-template parser untouched.
	src := parseSource(t, "root.kdl", `
definitions {
    storage "mem" memory
    rate-limit "burst" {
        storage "mem"
        key "${var.prefix}:${header.x-user-id}" fallback="${ip}"
        burst 2
        rate 1.0
    }
}
`)
	cfg := compile(t, map[string]string{"prefix": "u"}, src)
	policy := cfg.Definitions.RateLimits["burst"]
	if len(policy.Templates) != 2 {
		t.Fatalf("templates = %+v", policy.Templates)
	}
	segs := policy.Templates[0].Segments
	if len(segs) != 2 || segs[0] != (configmodel.KeySegment{Source: configmodel.SegmentLiteral, Text: "u:"}) {
		t.Errorf("var.prefix should fold into a literal, header.x stay a source: %+v", segs)
	}
	if segs[1] != (configmodel.KeySegment{Source: configmodel.SegmentHeader, Text: "x-user-id"}) {
		t.Errorf("header segment = %+v", segs[1])
	}
	if policy.Templates[1].Segments[0].Source != configmodel.SegmentIP {
		t.Errorf("fallback = %+v", policy.Templates[1])
	}
}

func TestCompile_UnresolvedVarIsAnError(t *testing.T) {
	src := parseSource(t, "root.kdl", `
services {
    edge {
        listeners {
            "${var.nope}"
        }
        connectors {
            upstream "10.1.0.1:9000"
        }
    }
}
`)
	_, errs := New(nil, WithFilterCatalog(testCatalog)).Compile([]collector.Source{src})
	if len(errs) == 0 {
		t.Fatal("expected an unresolved-variable error")
	}
}

func TestCompile_DanglingChainReferenceFails(t *testing.T) {
	src := parseSource(t, "root.kdl", `
services {
    edge {
        listeners {
            "127.0.0.1:8080"
        }
        connectors {
            upstream "10.1.0.1:9000" {
                use-chain "missing"
            }
        }
    }
}
`)
	_, errs := New(nil, WithFilterCatalog(testCatalog)).Compile([]collector.Source{src})
	if len(errs) == 0 {
		t.Fatal("expected a dangling chain reference error")
	}
}

func TestCompile_DanglingFilterFQDNFails(t *testing.T) {
	src := parseSource(t, "root.kdl", `
definitions {
    chain "edge" {
        filter "motya.filters.does-not-exist"
    }
}
`)
	_, errs := New(nil, WithFilterCatalog(testCatalog)).Compile([]collector.Source{src})
	if len(errs) == 0 {
		t.Fatal("expected a dangling filter FQDN error")
	}
}

func TestCompile_PluginFQDNUsableInChain(t *testing.T) {
	src := parseSource(t, "root.kdl", `
definitions {
    plugin "acme.auth.check" file="./auth.wasm"
    chain "edge" {
        filter "acme.auth.check"
    }
}
`)
	cfg := compile(t, nil, src)
	if _, ok := cfg.Definitions.Plugins["acme.auth.check"]; !ok {
		t.Fatal("plugin definition missing")
	}
}

func TestCompile_OfferH2WithoutTLSFails(t *testing.T) {
	src := parseSource(t, "root.kdl", `
services {
    edge {
        listeners {
            "0.0.0.0:8443" offer-h2=#true
        }
        connectors {
            upstream "10.1.0.1:9000"
        }
    }
}
`)
	_, errs := New(nil, WithFilterCatalog(testCatalog)).Compile([]collector.Source{src})
	if len(errs) == 0 {
		t.Fatal("expected offer-h2 without TLS to be rejected")
	}
}

func TestCompile_ZeroRateRejected(t *testing.T) {
	src := parseSource(t, "root.kdl", `
definitions {
    storage "mem" memory
    rate-limit "bad" {
        storage "mem"
        key "${ip}"
        burst 1
        rate 0.0
    }
}
`)
	_, errs := New(nil, WithFilterCatalog(testCatalog)).Compile([]collector.Source{src})
	if len(errs) == 0 {
		t.Fatal("expected rate=0 to be rejected")
	}
}

func TestCompile_DuplicateDefinitionAcrossFilesFails(t *testing.T) {
	a := parseSource(t, "a.kdl", `
definitions {
    storage "mem" memory
}
`)
	b := parseSource(t, "b.kdl", `
definitions {
    storage "mem" memory
}
`)
	_, errs := New(nil, WithFilterCatalog(testCatalog)).Compile([]collector.Source{a, b})
	if len(errs) == 0 {
		t.Fatal("expected a duplicate storage definition error")
	}
}

func TestCompileLossy_KeepsGoing(t *testing.T) {
	src := parseSource(t, "root.kdl", `
services {
    broken {
        listeners {
            "127.0.0.1:1"
        }
        connectors {
            upstream "10.0.0.1:80" {
                use-chain "missing"
            }
        }
    }
    healthy {
        listeners {
            "127.0.0.1:2"
        }
        connectors {
            upstream "10.0.0.2:80"
        }
    }
}
`)
	cfg, cfgErr := CompileLossy([]collector.Source{src}, nil, WithFilterCatalog(testCatalog))
	if cfgErr == nil || len(cfgErr.Errors) == 0 {
		t.Fatal("expected errors to be reported in lossy mode")
	}
	if cfg == nil {
		t.Fatal("lossy mode should still return a best-effort config")
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Name != "healthy" {
		t.Fatalf("expected the broken service dropped and the healthy one kept, got %+v", cfg.Services)
	}
}

func TestCompile_RedisStorageRecognized(t *testing.T) {
	src := parseSource(t, "root.kdl", `
definitions {
    storage "shared" redis addrs="10.0.0.5:6379,10.0.0.6:6379" timeout="1s"
}
`)
	cfg := compile(t, nil, src)
	store := cfg.Definitions.Storages["shared"]
	if store.Kind != configmodel.StorageRedis || len(store.Addrs) != 2 || store.Timeout != time.Second {
		t.Fatalf("redis storage = %+v", store)
	}
}
