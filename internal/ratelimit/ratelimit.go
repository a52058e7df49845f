// Package ratelimit implements the per-key rate limiter instance (component
// L): it derives a key via the keyselect package, then asks a storage
// backend whether one more request at that key is allowed right now.
package ratelimit

import (
	"time"

	"motya/internal/configmodel"
	"motya/internal/keyselect"
	"motya/internal/ratelimit/storage"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int64
	ResetAfter time.Duration
}

// Limiter checks one compiled rate-limit policy's token bucket against a
// request. It is built once per chain reference and shared read-only across
// concurrent requests; the storage it wraps is its own synchronization
// boundary.
type Limiter struct {
	Policy   configmodel.RateLimitPolicyDef
	selector keyselect.Selector
	store    storage.Storage
}

// New builds a Limiter from policy, checking against store. The policy's
// key templates and transforms become the limiter's selector; a policy with
// no templates yields no key and therefore always allows.
func New(policy configmodel.RateLimitPolicyDef, store storage.Storage) *Limiter {
	return &Limiter{
		Policy: policy,
		selector: keyselect.Selector{
			Templates:  policy.Templates,
			Transforms: policy.Transforms,
		},
		store: store,
	}
}

// Check derives a key from ctx and consults the storage's token bucket. A
// request whose templates all yield an empty key is not applicable to this
// limiter and is always allowed, with the full burst reported as remaining.
func (l *Limiter) Check(ctx keyselect.Context, now time.Time) (Result, error) {
	var keyBuf []byte
	if !l.selector.Select(ctx, &keyBuf) {
		return Result{Allowed: true, Remaining: l.Policy.Burst}, nil
	}
	allowed, remaining, resetAfter, err := l.store.CheckAndUpdate(string(keyBuf), l.Policy.Rate, l.Policy.Burst, 1, now)
	if err != nil {
		return Result{}, err
	}
	return Result{Allowed: allowed, Remaining: remaining, ResetAfter: resetAfter}, nil
}
