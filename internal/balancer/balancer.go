// Package balancer selects a backend out of an upstream's weighted server
// pool using one of four algorithms: Round-Robin, Random, FNV, and Ketama
// consistent hashing. Each Balancer is built once per upstream at service
// construction and shared, read-only, across every request task that
// proxies through it; only the Round-Robin counter is mutated per
// selection, and that mutation is a single atomic increment.
package balancer

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"motya/internal/configmodel"
)

// Backend is one selectable upstream target.
type Backend struct {
	Address string
	Weight  int
}

// maxRingIterations is the ring-walk bound for Ketama. pick is a single
// binary search with no walk, so nothing in this build reads it.
const maxRingIterations = 256

// Balancer derives a 64-bit hash from the selector key and hands it to the
// configured algorithm. Select never returns ok=false when the pool is
// non-empty; an empty key degrades to a deterministic choice rather than
// "no backend available".
type Balancer struct {
	hash hashFn
	algo algorithm
}

type hashFn func(key []byte) uint64

// algorithm picks a backend for an already-hashed key. Round-Robin and
// Random ignore the hash entirely.
type algorithm interface {
	pick(hash uint64) (Backend, bool)
}

// New builds the Balancer described by lb over servers. An empty server
// list is not a construction error; callers get ok=false from Select,
// matching "no backend configured" rather than a config error this package
// itself should surface.
func New(lb configmodel.LBConfig, servers []configmodel.UpstreamEntry) *Balancer {
	bs := make([]Backend, len(servers))
	for i, s := range servers {
		w := s.Weight
		if w < 1 {
			w = 1
		}
		bs[i] = Backend{Address: s.Addr, Weight: w}
	}

	b := &Balancer{hash: hashFor(lb)}
	switch lb.Kind {
	case configmodel.BalancerRandom:
		b.algo = &randomAlgo{expanded: expand(bs)}
	case configmodel.BalancerFNV:
		b.algo = &fnvAlgo{expanded: expand(bs)}
	case configmodel.BalancerKetama:
		b.algo = newKetama(bs)
	default:
		b.algo = &roundRobinAlgo{expanded: expand(bs)}
	}
	return b
}

// Select hashes key and picks a backend. A nil or empty key hashes to a
// fixed value, so FNV and Ketama degrade to a deterministic single bucket.
func (b *Balancer) Select(key []byte) (Backend, bool) {
	return b.algo.pick(b.hash(key))
}

func hashFor(lb configmodel.LBConfig) hashFn {
	switch lb.Hash {
	case configmodel.HashFNV:
		return fnv1a
	case configmodel.HashKetama:
		return xxhash.Sum64
	default:
		if lb.Seed == 0 {
			return xxhash.Sum64
		}
		seed := lb.Seed
		return func(key []byte) uint64 {
			var prefix [8]byte
			binary.LittleEndian.PutUint64(prefix[:], seed)
			d := xxhash.New()
			d.Write(prefix[:])
			d.Write(key)
			return d.Sum64()
		}
	}
}

// expand turns a weighted backend list into a flat slice where each backend
// appears Weight times, so an unweighted index pick already respects
// weights.
func expand(backends []Backend) []Backend {
	var out []Backend
	for _, b := range backends {
		for i := 0; i < b.Weight; i++ {
			out = append(out, b)
		}
	}
	return out
}

// --- Round Robin ---

type roundRobinAlgo struct {
	expanded []Backend
	counter  uint64
}

func (r *roundRobinAlgo) pick(uint64) (Backend, bool) {
	if len(r.expanded) == 0 {
		return Backend{}, false
	}
	n := atomic.AddUint64(&r.counter, 1)
	return r.expanded[(n-1)%uint64(len(r.expanded))], true
}

// --- Random ---

type randomAlgo struct {
	expanded []Backend
}

func (r *randomAlgo) pick(uint64) (Backend, bool) {
	if len(r.expanded) == 0 {
		return Backend{}, false
	}
	return r.expanded[rand.Intn(len(r.expanded))], true
}

// --- FNV ---

type fnvAlgo struct {
	expanded []Backend
}

func (f *fnvAlgo) pick(hash uint64) (Backend, bool) {
	if len(f.expanded) == 0 {
		return Backend{}, false
	}
	return f.expanded[hash%uint64(len(f.expanded))], true
}

// fnv1a is the 64-bit FNV-1a hash, used directly (rather than via
// hash/fnv.New64a) because the whole function is four lines and the hot
// path runs once per request.
func fnv1a(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}

// --- Ketama ---

type ringEntry struct {
	pos     uint64
	backend Backend
}

type ketamaAlgo struct {
	ring []ringEntry
}

const virtualNodesPerWeight = 160

func newKetama(backends []Backend) *ketamaAlgo {
	kb := &ketamaAlgo{}
	for _, b := range backends {
		n := virtualNodesPerWeight * b.Weight
		for i := 0; i < n; i++ {
			pos := xxhash.Sum64String(ketamaNodeKey(b.Address, i))
			kb.ring = append(kb.ring, ringEntry{pos: pos, backend: b})
		}
	}
	sort.Slice(kb.ring, func(i, j int) bool { return kb.ring[i].pos < kb.ring[j].pos })
	return kb
}

func ketamaNodeKey(addr string, i int) string {
	buf := make([]byte, 0, len(addr)+12)
	buf = append(buf, addr...)
	buf = append(buf, '#')
	buf = appendInt(buf, i)
	return string(buf)
}

func appendInt(buf []byte, n int) []byte {
	if n == 0 {
		return append(buf, '0')
	}
	start := len(buf)
	for n > 0 {
		buf = append(buf, byte('0'+n%10))
		n /= 10
	}
	// reverse the digits just appended
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

// pick finds the smallest ring position greater than or equal to the key
// hash, wrapping around to the first entry when the hash falls past the
// last one. maxRingIterations bounds how far a future liveness-aware walk
// (skipping entries behind a backend marked down) is allowed to scan past
// that point; this build has no such skip logic, so the bound is never hit.
func (k *ketamaAlgo) pick(hash uint64) (Backend, bool) {
	if len(k.ring) == 0 {
		return Backend{}, false
	}
	idx := sort.Search(len(k.ring), func(i int) bool { return k.ring[i].pos >= hash })
	if idx >= len(k.ring) {
		idx = 0
	}
	return k.ring[idx].backend, true
}
