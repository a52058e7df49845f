// Package definitions holds the process-wide DefinitionsTable: the registry
// of filter FQDNs, chains, rate-limit policies, storages, key profiles and
// WASM plugins collected from every `definitions` node in a config's include
// graph. It is built once by the compiler's first pass and never mutated
// again; the mutex here guards the build phase itself, where definitions
// can arrive from several included files, not steady-state reads.
package definitions

import (
	"fmt"

	deadlock "github.com/sasha-s/go-deadlock"

	"motya/internal/configmodel"
)

// Table is a DefinitionsTable under construction. Call Build once every
// source file's definitions have been registered to get an immutable
// configmodel.Definitions.
type Table struct {
	mu deadlock.Mutex

	filters     map[string]struct{}
	chains      map[string]configmodel.ChainDef
	rateLimits  map[string]configmodel.RateLimitPolicyDef
	storages    map[string]configmodel.StorageDef
	keyProfiles map[string]configmodel.KeyProfileDef
	plugins     map[string]configmodel.PluginDef
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		filters:     make(map[string]struct{}),
		chains:      make(map[string]configmodel.ChainDef),
		rateLimits:  make(map[string]configmodel.RateLimitPolicyDef),
		storages:    make(map[string]configmodel.StorageDef),
		keyProfiles: make(map[string]configmodel.KeyProfileDef),
		plugins:     make(map[string]configmodel.PluginDef),
	}
}

// DuplicateDefinitionError reports two definitions of the same kind
// registered under the same name, e.g. two `chain "x"` nodes across
// different included files.
type DuplicateDefinitionError struct {
	Kind string
	Name string
}

func (e *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("duplicate %s definition %q", e.Kind, e.Name)
}

// AddFilter records fqdn as a registrable filter name. Unlike the named
// definition kinds, re-registering a filter FQDN is not an error: the
// built-in catalog is seeded once and plugin declarations add to it.
func (t *Table) AddFilter(fqdn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters[fqdn] = struct{}{}
}

func (t *Table) AddChain(d configmodel.ChainDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.chains[d.Name]; exists {
		return &DuplicateDefinitionError{Kind: "chain", Name: d.Name}
	}
	t.chains[d.Name] = d
	return nil
}

func (t *Table) AddRateLimit(d configmodel.RateLimitPolicyDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rateLimits[d.Name]; exists {
		return &DuplicateDefinitionError{Kind: "rate-limit", Name: d.Name}
	}
	t.rateLimits[d.Name] = d
	return nil
}

func (t *Table) AddStorage(d configmodel.StorageDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.storages[d.Name]; exists {
		return &DuplicateDefinitionError{Kind: "storage", Name: d.Name}
	}
	t.storages[d.Name] = d
	return nil
}

func (t *Table) AddKeyProfile(d configmodel.KeyProfileDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.keyProfiles[d.Name]; exists {
		return &DuplicateDefinitionError{Kind: "key-profile", Name: d.Name}
	}
	t.keyProfiles[d.Name] = d
	return nil
}

// AddPlugin records a plugin declaration and registers its FQDN as a
// filter name in the same step, so a chain can reference the plugin the
// moment it is declared.
func (t *Table) AddPlugin(d configmodel.PluginDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.plugins[d.FQDN]; exists {
		return &DuplicateDefinitionError{Kind: "plugin", Name: d.FQDN}
	}
	t.plugins[d.FQDN] = d
	t.filters[d.FQDN] = struct{}{}
	return nil
}

// Build freezes the table into a configmodel.Definitions. The returned maps
// are never written to again, satisfying the read-only-after-build
// concurrency contract shared state relies on.
func (t *Table) Build() configmodel.Definitions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return configmodel.Definitions{
		Filters:     t.filters,
		Chains:      t.chains,
		RateLimits:  t.rateLimits,
		Storages:    t.storages,
		KeyProfiles: t.keyProfiles,
		Plugins:     t.plugins,
	}
}

// ReferenceErrors checks the cross-reference invariants of a built table:
// every filter FQDN a chain invokes is in the filter set, every rate-limit
// reference (and every inline policy's storage) resolves, and every named
// policy's storage exists. It returns one error per dangling reference
// rather than stopping at the first.
func ReferenceErrors(defs configmodel.Definitions) []error {
	var errs []error
	for _, chain := range defs.Chains {
		for i, item := range chain.Items {
			switch {
			case item.Filter != nil:
				if _, ok := defs.Filters[item.Filter.FQDN]; !ok {
					errs = append(errs, fmt.Errorf("chain %q references unknown filter %q", chain.Name, item.Filter.FQDN))
				}
			case item.RateLimit != nil:
				if item.RateLimit.Inline != nil {
					errs = append(errs, storageRefError("chain "+chain.Name, item.RateLimit.Inline.StorageName, defs)...)
					continue
				}
				if _, ok := defs.RateLimits[item.RateLimit.Name]; !ok {
					errs = append(errs, fmt.Errorf("chain %q references unknown rate-limit %q", chain.Name, item.RateLimit.Name))
				}
			default:
				errs = append(errs, fmt.Errorf("chain %q item %d is empty", chain.Name, i+1))
			}
		}
	}
	for _, policy := range defs.RateLimits {
		errs = append(errs, storageRefError("rate-limit "+policy.Name, policy.StorageName, defs)...)
	}
	return errs
}

func storageRefError(owner, storageName string, defs configmodel.Definitions) []error {
	if storageName == "" {
		return nil
	}
	if _, ok := defs.Storages[storageName]; !ok {
		return []error{fmt.Errorf("%s references unknown storage %q", owner, storageName)}
	}
	return nil
}
