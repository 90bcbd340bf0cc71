package director

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/atomic"
)

// ErrResolveDepthExceeded is returned by ResolveBackend when a chain of
// director-to-director resolutions exceeds the allowed recursion depth.
var ErrResolveDepthExceeded = errors.New("director: resolve depth exceeded")

// ListMode controls what List enumerates.
type ListMode int

const (
	ListAll ListMode = iota
	ListHealthyOnly
)

// Resolution is what Resolve returns: either a concrete Backend, or
// another Director to resolve recursively (spec §4.5: "resolve may
// return another director").
type Resolution struct {
	Backend *Backend
	Next    Director
}

// Director is the polymorphic load-balancing policy object (§4.5).
type Director interface {
	// Healthy aggregates child health and returns the most recent
	// health-change time observed.
	Healthy(ctx context.Context, now time.Time) (bool, time.Time)
	// Resolve picks a backend (or a next-hop director) for the current
	// request context.
	Resolve(ctx context.Context, rc *RequestContext) (Resolution, error)
	// List enumerates child backends for introspection.
	List(ctx context.Context, mode ListMode) []*Backend
	// Destroy releases resources held by the director.
	Destroy()
}

// ResolveBackend recursively follows Resolution.Next up to maxDepth
// hops, the depth bound spec §4.5 requires for composed directors.
func ResolveBackend(ctx context.Context, d Director, rc *RequestContext, maxDepth int) (*Backend, error) {
	for depth := 0; depth < maxDepth; depth++ {
		res, err := d.Resolve(ctx, rc)
		if err != nil {
			return nil, err
		}
		if res.Backend != nil {
			return res.Backend, nil
		}
		if res.Next == nil {
			return nil, nil
		}
		d = res.Next
	}
	return nil, ErrResolveDepthExceeded
}

// RequestContext carries the per-request scratch a director needs:
// the digest/URL/key/blob a shard director hashes on, and the task-scope
// change-list workspace for staged reconfiguration.
type RequestContext struct {
	Digest [32]byte
	URL    string
	Key    uint32
	Blob   []byte

	// Scratch is the per-request change-list workspace keyed by director
	// identity (spec §4.5 "staged reconfiguration").
	Scratch *TaskScratch

	// ShardOverride is the call-site parameter layer, highest priority
	// in the shard director's merge order.
	ShardOverride *ParamOverride
}

// --- Round-robin -----------------------------------------------------

// RoundRobin keeps a cursor and returns the first healthy backend found
// scanning forward from it, advancing the cursor by the number examined.
type RoundRobin struct {
	vdir   *Vdir
	cursor atomic.Uint64
}

var _ Director = (*RoundRobin)(nil)

// NewRoundRobin creates a round-robin director over vdir.
func NewRoundRobin(vdir *Vdir) *RoundRobin {
	return &RoundRobin{vdir: vdir}
}

func (r *RoundRobin) Healthy(ctx context.Context, now time.Time) (bool, time.Time) {
	return r.vdir.AnyHealthy(now)
}

func (r *RoundRobin) Resolve(ctx context.Context, rc *RequestContext) (Resolution, error) {
	n := r.vdir.Len()
	if n == 0 {
		return Resolution{}, nil
	}
	start := int(r.cursor.Load() % uint64(n))
	var picked *Backend
	examined := r.vdir.scanFrom(start, n, func(b *Backend, _ int) bool {
		if b.Healthy() {
			picked = b
			return true
		}
		return false
	})
	r.cursor.Add(uint64(examined))
	return Resolution{Backend: picked}, nil
}

func (r *RoundRobin) List(ctx context.Context, mode ListMode) []*Backend {
	return filterByMode(r.vdir.Snapshot(), mode)
}

func (r *RoundRobin) Destroy() {}

// --- Random / weighted-random ----------------------------------------

// Random picks a backend by cumulative weight over currently healthy
// entries, drawing a uniform random number via math/rand/v2's global
// generator (concurrency-safe as of Go 1.22, unlike math/rand's default
// source, so no extra locking is needed here).
type Random struct {
	vdir *Vdir
}

var _ Director = (*Random)(nil)

// NewRandom creates a weighted-random director over vdir.
func NewRandom(vdir *Vdir) *Random {
	return &Random{vdir: vdir}
}

func (r *Random) Healthy(ctx context.Context, now time.Time) (bool, time.Time) {
	return r.vdir.AnyHealthy(now)
}

func (r *Random) Resolve(ctx context.Context, rc *RequestContext) (Resolution, error) {
	b := r.vdir.weightedPick(rand.Float64(), (*Backend).Healthy)
	return Resolution{Backend: b}, nil
}

func (r *Random) List(ctx context.Context, mode ListMode) []*Backend {
	return filterByMode(r.vdir.Snapshot(), mode)
}

func (r *Random) Destroy() {}

// --- Fallback ----------------------------------------------------------

// Fallback scans from index 0 on every call unless Sticky is set, in
// which case it remembers the last successful index and only advances
// on failure. Per spec §9's Open Question decision, the sticky index is
// a plain int with no synchronization: concurrent resolves may race on
// it, and that looseness is intentional, not a bug.
type Fallback struct {
	vdir   *Vdir
	Sticky bool
	sticky int
}

var _ Director = (*Fallback)(nil)

// NewFallback creates a fallback director over vdir.
func NewFallback(vdir *Vdir, sticky bool) *Fallback {
	return &Fallback{vdir: vdir, Sticky: sticky}
}

func (f *Fallback) Healthy(ctx context.Context, now time.Time) (bool, time.Time) {
	return f.vdir.AnyHealthy(now)
}

func (f *Fallback) Resolve(ctx context.Context, rc *RequestContext) (Resolution, error) {
	n := f.vdir.Len()
	if n == 0 {
		return Resolution{}, nil
	}
	start := 0
	if f.Sticky {
		start = f.sticky % n
	}
	var picked *Backend
	var pickedIdx int
	f.vdir.scanFrom(start, n, func(b *Backend, _ int) bool {
		if b.Healthy() {
			picked = b
			return true
		}
		return false
	})
	if picked == nil {
		return Resolution{}, nil
	}
	if f.Sticky {
		// Recompute the absolute index of the pick for next call; a
		// second scan is simplest and the vector is small in practice.
		f.vdir.scanFrom(start, n, func(b *Backend, _ int) bool {
			pickedIdx++
			return b == picked
		})
		f.sticky = (start + pickedIdx - 1) % n
	}
	return Resolution{Backend: picked}, nil
}

func (f *Fallback) List(ctx context.Context, mode ListMode) []*Backend {
	return filterByMode(f.vdir.Snapshot(), mode)
}

func (f *Fallback) Destroy() {}

func filterByMode(backends []*Backend, mode ListMode) []*Backend {
	if mode == ListAll {
		return backends
	}
	out := backends[:0]
	for _, b := range backends {
		if b.Healthy() {
			out = append(out, b)
		}
	}
	return out
}
