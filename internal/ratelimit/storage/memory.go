package storage

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"motya/internal/configmodel"
)

// bucket is one key's token-bucket state, plus the bookkeeping the
// background evictor needs. tokens and lastRefillNanos are only ever
// touched under the bucket's own mutex, so two requests hammering the same
// key serialize on that one bucket, not on the whole store.
type bucket struct {
	mu              sync.Mutex
	tokens          float64
	lastRefillNanos int64
	lastTouchNanos  atomic.Int64
	// armed means "this key has been touched since it was created": a
	// bucket becomes eligible for eviction once it sits idle past the
	// cleanup interval.
	armed atomic.Bool
}

// Memory is the in-memory rate-limit storage: a concurrent map of buckets
// keyed by the rate-limit key, with opportunistic eviction of buckets idle
// longer than cleanupInterval, triggered on write once the map exceeds
// maxKeys rather than on a fixed timer.
type Memory struct {
	buckets     sync.Map // string -> *bucket
	maxKeys     int
	cleanup     time.Duration
	approxCount atomic.Int64
	sweeping    atomic.Bool
}

func newMemory(def configmodel.StorageDef) *Memory {
	cleanup := def.Cleanup
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	maxKeys := def.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 100_000
	}
	return &Memory{cleanup: cleanup, maxKeys: maxKeys}
}

// CheckAndUpdate runs the token-bucket refill-then-deduct step: refill
// tokens up to burst at rate tokens/sec elapsed since the last touch, then
// allow iff the post-refill balance covers cost.
func (m *Memory) CheckAndUpdate(key string, rate float64, burst, cost int64, now time.Time) (bool, int64, time.Duration, error) {
	b := m.getOrCreate(key, burst)

	b.mu.Lock()
	defer b.mu.Unlock()

	last := time.Unix(0, b.lastRefillNanos)
	elapsed := now.Sub(last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(burst), b.tokens+elapsed*rate)
		b.lastRefillNanos = now.UnixNano()
	}

	b.lastTouchNanos.Store(now.UnixNano())
	b.armed.Store(true)

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true, int64(math.Floor(b.tokens)), 0, nil
	}

	deficit := float64(cost) - b.tokens
	var resetAfter time.Duration
	if rate > 0 {
		resetAfter = time.Duration(math.Ceil(deficit/rate*float64(time.Second))) * time.Nanosecond
	}
	return false, int64(math.Floor(b.tokens)), resetAfter, nil
}

func (m *Memory) getOrCreate(key string, burst int64) *bucket {
	if v, ok := m.buckets.Load(key); ok {
		return v.(*bucket)
	}
	fresh := &bucket{tokens: float64(burst)}
	actual, loaded := m.buckets.LoadOrStore(key, fresh)
	if !loaded {
		n := m.approxCount.Add(1)
		if int(n) > m.maxKeys {
			go m.sweep()
		}
	}
	return actual.(*bucket)
}

// sweep removes buckets untouched for longer than m.cleanup. It is
// opportunistic, triggered by a write that pushes the map over maxKeys,
// never by a read and never on a fixed timer.
func (m *Memory) sweep() {
	if !m.sweeping.CompareAndSwap(false, true) {
		return // a sweep is already in flight
	}
	defer m.sweeping.Store(false)

	cutoff := time.Now().Add(-m.cleanup).UnixNano()
	m.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		if b.lastTouchNanos.Load() < cutoff && b.armed.Load() {
			m.buckets.Delete(k)
			m.approxCount.Add(-1)
		}
		return true
	})
}

// Close is a no-op for Memory: each sweep is a one-shot goroutine started by
// the write that triggered it rather than a background timer, so there is
// nothing to stop.
func (m *Memory) Close() {}
