package definitions

import (
	"testing"

	"motya/internal/configmodel"
)

func TestTable_DuplicateChainRejected(t *testing.T) {
	tbl := New()
	if err := tbl.AddChain(configmodel.ChainDef{Name: "a"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := tbl.AddChain(configmodel.ChainDef{Name: "a"})
	if err == nil {
		t.Fatalf("expected duplicate definition error")
	}
	if _, ok := err.(*DuplicateDefinitionError); !ok {
		t.Fatalf("got %T, want *DuplicateDefinitionError", err)
	}
}

func TestTable_FilterReRegistrationAllowed(t *testing.T) {
	tbl := New()
	tbl.AddFilter("motya.request.upsert-header")
	tbl.AddFilter("motya.request.upsert-header")
	defs := tbl.Build()
	if len(defs.Filters) != 1 {
		t.Fatalf("got %d filters, want the FQDN set deduplicated", len(defs.Filters))
	}
}

func TestTable_PluginRegistersItsFQDNAsFilter(t *testing.T) {
	tbl := New()
	if err := tbl.AddPlugin(configmodel.PluginDef{FQDN: "acme.auth.check", Source: "./auth.wasm"}); err != nil {
		t.Fatal(err)
	}
	defs := tbl.Build()
	if _, ok := defs.Filters["acme.auth.check"]; !ok {
		t.Fatal("declaring a plugin should make its FQDN referencable as a filter")
	}
}

func TestReferenceErrors_DanglingChainFilter(t *testing.T) {
	defs := configmodel.Definitions{
		Filters: map[string]struct{}{},
		Chains: map[string]configmodel.ChainDef{
			"c1": {Name: "c1", Items: []configmodel.ChainItem{
				{Filter: &configmodel.FilterInvocation{FQDN: "missing.filter.name"}},
			}},
		},
	}
	errs := ReferenceErrors(defs)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
}

func TestReferenceErrors_DanglingRateLimitAndStorage(t *testing.T) {
	defs := configmodel.Definitions{
		Filters: map[string]struct{}{},
		Chains: map[string]configmodel.ChainDef{
			"c1": {Name: "c1", Items: []configmodel.ChainItem{
				{RateLimit: &configmodel.RateLimitRef{Name: "missing-policy"}},
			}},
		},
		RateLimits: map[string]configmodel.RateLimitPolicyDef{
			"r1": {Name: "r1", StorageName: "missing-storage"},
		},
	}
	errs := ReferenceErrors(defs)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2 (dangling policy + dangling storage): %v", len(errs), errs)
	}
}

func TestReferenceErrors_InlinePolicyStorageChecked(t *testing.T) {
	defs := configmodel.Definitions{
		Filters: map[string]struct{}{},
		Chains: map[string]configmodel.ChainDef{
			"c1": {Name: "c1", Items: []configmodel.ChainItem{
				{RateLimit: &configmodel.RateLimitRef{Inline: &configmodel.RateLimitPolicyDef{
					Name: "anon", StorageName: "missing",
				}}},
			}},
		},
	}
	errs := ReferenceErrors(defs)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
}

func TestReferenceErrors_AllResolved(t *testing.T) {
	defs := configmodel.Definitions{
		Filters: map[string]struct{}{
			"motya.request.upsert-header": {},
		},
		Chains: map[string]configmodel.ChainDef{
			"c1": {Name: "c1", Items: []configmodel.ChainItem{
				{Filter: &configmodel.FilterInvocation{FQDN: "motya.request.upsert-header"}},
				{RateLimit: &configmodel.RateLimitRef{Name: "r1"}},
			}},
		},
		RateLimits: map[string]configmodel.RateLimitPolicyDef{
			"r1": {Name: "r1", StorageName: "s1"},
		},
		Storages: map[string]configmodel.StorageDef{
			"s1": {Name: "s1"},
		},
	}
	errs := ReferenceErrors(defs)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
}
