package driver

import (
	"fmt"
	"strings"

	"motya/internal/balancer"
	"motya/internal/configmodel"
	"motya/internal/filters"
	"motya/internal/keyselect"
	"motya/internal/metrics"
	"motya/internal/ratelimit/storage"
)

// UpstreamRuntime is one upstream context's built runtime state: its
// balancer and key selector, the chains attached to it, and the path
// matching/rewriting rules that route requests into it.
type UpstreamRuntime struct {
	Kind configmodel.UpstreamKind

	StaticStatus int
	StaticBody   []byte

	PrefixPath string
	TargetPath string
	MatchExact bool

	Algorithm string
	Balancer  *balancer.Balancer
	Selector  *keyselect.Selector
	Chains    []*filters.RuntimeChain
}

// ServiceRuntime is one service's resolved upstream contexts, ready to
// drive requests against.
type ServiceRuntime struct {
	Name      string
	Listeners []configmodel.ListenerConfig
	Upstreams []UpstreamRuntime
}

// BuildServices resolves every chain and upstream in cfg into the runtime
// form the Driver executes against. It is the "G,H build the runtime" step
// of the data flow; WASM plugin factories must already be registered on
// registry (the plugin store's job) before this runs. One storage is built
// per storage definition, shared by every policy that names it.
func BuildServices(cfg *configmodel.Config, registry *filters.Registry, m *metrics.Metrics) ([]ServiceRuntime, error) {
	resolver := &filters.Resolver{
		Registry: registry,
		Defs:     cfg.Definitions,
		Stores:   storage.NewSet(cfg.Definitions.Storages),
		Metrics:  m,
	}

	var out []ServiceRuntime
	for _, svc := range cfg.Services {
		sr := ServiceRuntime{Name: svc.Name, Listeners: svc.Listeners}
		if svc.Connectors == nil {
			// A file-server service has no proxy runtime to build.
			out = append(out, sr)
			continue
		}
		for i, up := range svc.Connectors.Upstreams {
			ur, err := buildUpstream(resolver, up)
			if err != nil {
				return nil, fmt.Errorf("service %q upstream %d: %w", svc.Name, i+1, err)
			}
			sr.Upstreams = append(sr.Upstreams, ur)
		}
		out = append(out, sr)
	}
	return out, nil
}

func buildUpstream(resolver *filters.Resolver, up configmodel.UpstreamContext) (UpstreamRuntime, error) {
	ur := UpstreamRuntime{
		Kind:         up.Kind,
		StaticStatus: up.StaticStatus,
		StaticBody:   []byte(up.StaticBody),
		PrefixPath:   up.PrefixPath,
		TargetPath:   up.TargetPath,
		MatchExact:   up.Matcher == configmodel.MatchExact,
	}

	if up.Kind != configmodel.UpstreamStatic {
		ur.Algorithm = algorithmName(up.LB.Kind)
		ur.Balancer = balancer.New(up.LB, up.Servers)
		if len(up.LB.Templates) > 0 {
			ur.Selector = &keyselect.Selector{
				Templates:  up.LB.Templates,
				Transforms: up.LB.Transforms,
			}
		}
	}

	for _, chainName := range up.Chains {
		rc, err := resolver.Resolve(chainName)
		if err != nil {
			return ur, err
		}
		ur.Chains = append(ur.Chains, rc)
	}
	return ur, nil
}

func algorithmName(kind configmodel.BalancerKind) string {
	switch kind {
	case configmodel.BalancerRandom:
		return "random"
	case configmodel.BalancerFNV:
		return "fnv"
	case configmodel.BalancerKetama:
		return "ketama"
	default:
		return "round-robin"
	}
}

// Matches reports whether this upstream accepts the request path. An
// upstream with no prefix-path accepts everything.
func (u *UpstreamRuntime) Matches(path string) bool {
	if u.PrefixPath == "" {
		return true
	}
	if u.MatchExact {
		return path == u.PrefixPath
	}
	return strings.HasPrefix(path, u.PrefixPath)
}

// RewritePath maps a matched request path into the upstream's target path.
func (u *UpstreamRuntime) RewritePath(path string) string {
	if u.TargetPath == "" {
		return path
	}
	if u.MatchExact || u.PrefixPath == "" {
		return u.TargetPath
	}
	rest := strings.TrimPrefix(path, u.PrefixPath)
	target := strings.TrimSuffix(u.TargetPath, "/")
	if rest == "" {
		if target == "" {
			return "/"
		}
		return target
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return target + rest
}
