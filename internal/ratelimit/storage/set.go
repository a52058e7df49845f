package storage

import (
	"fmt"

	"motya/internal/configmodel"
)

// Set builds each named storage definition at most once. Several rate-limit
// policies commonly share one storage definition, and a memory storage's
// buckets must be the one place all of them land in for the limit to
// actually be shared. Not safe for concurrent use: the chain resolver runs
// it during single-threaded service construction only.
type Set struct {
	defs  map[string]configmodel.StorageDef
	built map[string]Storage
}

// NewSet wraps the compiled storage definitions.
func NewSet(defs map[string]configmodel.StorageDef) *Set {
	return &Set{defs: defs, built: make(map[string]Storage)}
}

// Get returns the storage built for name, constructing it on first use. An
// empty name yields a private memory storage with default settings, the
// shape an inline rate-limit policy without a storage reference gets.
func (s *Set) Get(name string) (Storage, error) {
	if built, ok := s.built[name]; ok {
		return built, nil
	}
	var def configmodel.StorageDef
	if name != "" {
		named, ok := s.defs[name]
		if !ok {
			return nil, fmt.Errorf("unknown storage %q", name)
		}
		def = named
	}
	built := New(def)
	if name != "" {
		s.built[name] = built
	}
	return built, nil
}

// Close closes every storage the set has built.
func (s *Set) Close() {
	for _, built := range s.built {
		built.Close()
	}
}
