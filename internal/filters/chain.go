package filters

import (
	"fmt"
	"math"
	"time"

	"motya/internal/configmodel"
	"motya/internal/metrics"
	"motya/internal/ratelimit"
	"motya/internal/ratelimit/storage"
)

// NamedAction pairs an Action with the FQDN it was built from, so the
// driver can label metrics and log lines without a reverse lookup.
type NamedAction struct {
	FQDN string
	Action
}

// NamedRequestModify is a RequestModify plus its FQDN.
type NamedRequestModify struct {
	FQDN string
	RequestModify
}

// NamedResponseModify is a ResponseModify plus its FQDN.
type NamedResponseModify struct {
	FQDN string
	ResponseModify
}

// RuntimeChain is the resolved, immutable form of a ChainDef: three ordered
// vectors of concrete filter instances, one per request phase. Built once
// at service-construction time and shared read-only across every request
// that runs it. Rate-limit items resolve to Actions, so they run in
// declared order with the rest of the downstream-request phase.
type RuntimeChain struct {
	Name    string
	Actions []NamedAction
	ReqMods []NamedRequestModify
	ResMods []NamedResponseModify
}

// Resolver turns chain references and inline chain items into
// RuntimeChains. It validates at build time, not at request time, that
// every referenced chain exists, every filter FQDN is registered, and
// every rate-limit reference resolves.
type Resolver struct {
	Registry *Registry
	Defs     configmodel.Definitions
	Stores   *storage.Set
	Metrics  *metrics.Metrics
}

// Resolve builds the RuntimeChain for the named chain definition.
func (r *Resolver) Resolve(name string) (*RuntimeChain, error) {
	chainDef, ok := r.Defs.Chains[name]
	if !ok {
		return nil, fmt.Errorf("chain resolver: unknown chain %q", name)
	}
	return r.ResolveItems(name, chainDef.Items)
}

// ResolveItems builds a RuntimeChain named name from an item list; Resolve
// calls it with a chain definition's items.
func (r *Resolver) ResolveItems(name string, items []configmodel.ChainItem) (*RuntimeChain, error) {
	rc := &RuntimeChain{Name: name}
	for i, item := range items {
		switch {
		case item.Filter != nil:
			if err := r.appendFilter(rc, item.Filter); err != nil {
				return nil, fmt.Errorf("chain %q item %d: %w", name, i+1, err)
			}
		case item.RateLimit != nil:
			if err := r.appendRateLimit(rc, item.RateLimit); err != nil {
				return nil, fmt.Errorf("chain %q item %d: %w", name, i+1, err)
			}
		default:
			return nil, fmt.Errorf("chain %q item %d is neither a filter nor a rate-limit", name, i+1)
		}
	}
	return rc, nil
}

func (r *Resolver) appendFilter(rc *RuntimeChain, inv *configmodel.FilterInvocation) error {
	instance, err := r.Registry.Build(inv.FQDN, inv.Args)
	if err != nil {
		return err
	}
	switch f := instance.(type) {
	case Action:
		rc.Actions = append(rc.Actions, NamedAction{FQDN: inv.FQDN, Action: f})
	case RequestModify:
		rc.ReqMods = append(rc.ReqMods, NamedRequestModify{FQDN: inv.FQDN, RequestModify: f})
	case ResponseModify:
		rc.ResMods = append(rc.ResMods, NamedResponseModify{FQDN: inv.FQDN, ResponseModify: f})
	default:
		return fmt.Errorf("filter %q built an instance implementing no filter phase", inv.FQDN)
	}
	return nil
}

func (r *Resolver) appendRateLimit(rc *RuntimeChain, ref *configmodel.RateLimitRef) error {
	policy := configmodel.RateLimitPolicyDef{}
	switch {
	case ref.Inline != nil:
		policy = *ref.Inline
	default:
		named, ok := r.Defs.RateLimits[ref.Name]
		if !ok {
			return fmt.Errorf("unknown rate-limit %q", ref.Name)
		}
		policy = named
	}
	store, err := r.Stores.Get(policy.StorageName)
	if err != nil {
		return fmt.Errorf("rate-limit %q: %w", policy.Name, err)
	}
	rc.Actions = append(rc.Actions, NamedAction{
		FQDN: "rate-limit." + policy.Name,
		Action: &rateLimitAction{
			limiter: ratelimit.New(policy, store),
			metrics: r.Metrics,
		},
	})
	return nil
}

// rateLimitAction adapts a rate limiter into a chain Action: a denied
// request terminates with 429 and a Retry-After header; an allowed or
// not-applicable one passes through.
type rateLimitAction struct {
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
}

func (a *rateLimitAction) Apply(req *Request) (*Response, bool, error) {
	result, err := a.limiter.Check(KeyContext(req), time.Now())
	if err != nil {
		return nil, false, err
	}
	if a.metrics != nil {
		a.metrics.RateLimitDecisions.WithLabelValues(a.limiter.Policy.Name, decisionLabel(result.Allowed)).Inc()
	}
	if result.Allowed {
		return nil, false, nil
	}
	return &Response{
		StatusCode: 429,
		Headers:    map[string][]string{"Retry-After": {retryAfterSeconds(result.ResetAfter)}},
	}, true, nil
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// retryAfterSeconds renders a reset duration as the whole-second value the
// Retry-After header carries, rounded up and never below one second.
func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
