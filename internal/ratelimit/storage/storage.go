// Package storage implements the pluggable backing store a rate-limiter
// instance checks token-bucket state against (component M): an in-memory
// variant with opportunistic TTL eviction, and a Redis variant that is
// recognized by configuration but deliberately left unimplemented.
package storage

import (
	"time"

	"motya/internal/configmodel"
)

// Storage holds per-key token-bucket state and answers whether one more
// request of the given cost is allowed right now.
type Storage interface {
	// CheckAndUpdate refills key's bucket up to burst tokens at rate
	// tokens/sec since its last touch, then attempts to deduct cost tokens.
	// allowed reports whether the deduction succeeded; remaining is the
	// post-deduction (or post-refill, on denial) token count floored to an
	// integer; resetAfter is how long until cost tokens would be
	// available, zero when allowed.
	CheckAndUpdate(key string, rate float64, burst int64, cost int64, now time.Time) (allowed bool, remaining int64, resetAfter time.Duration, err error)

	// Close releases any resources the variant holds (the Redis variant's
	// client connection pool; a no-op for the memory variant).
	Close()
}

// ResolveError is returned by a storage variant whose configuration is
// recognized but whose runtime behavior is not implemented: the Redis
// variant parses and validates but is never actually dialed.
type ResolveError struct {
	Reason string
}

func (e *ResolveError) Error() string { return e.Reason }

// New builds the Storage described by def. Memory is the only variant
// whose CheckAndUpdate actually works; Redis returns a Storage whose every
// call fails with a ResolveError, so a config can still validate and
// compile around it.
func New(def configmodel.StorageDef) Storage {
	switch def.Kind {
	case configmodel.StorageRedis:
		return newRedis(def)
	default:
		return newMemory(def)
	}
}
