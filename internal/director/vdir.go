package director

import (
	"sync"
	"time"
)

// vdirEntry pairs a backend with its weight in one director's vector.
type vdirEntry struct {
	backend *Backend
	weight  int
}

// Vdir is the shared rw-locked backend vector every simple director
// (round-robin, random, fallback) scans, plus the health-change
// bookkeeping the spec's any_healthy aggregation needs.
type Vdir struct {
	mu          sync.RWMutex
	entries     []vdirEntry
	totalWeight int
	lastChange  time.Time
}

// NewVdir creates an empty backend vector.
func NewVdir() *Vdir {
	return &Vdir{}
}

// Add appends a backend with the given weight. Exclusive lock.
func (v *Vdir) Add(b *Backend, weight int) {
	if weight <= 0 {
		weight = 1
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = append(v.entries, vdirEntry{backend: b, weight: weight})
	v.totalWeight += weight
}

// Remove deletes every entry for b, returning whether anything was
// removed. Exclusive lock.
func (v *Vdir) Remove(b *Backend) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := false
	kept := v.entries[:0]
	for _, e := range v.entries {
		if e.backend == b {
			v.totalWeight -= e.weight
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	v.entries = kept
	return removed
}

// Len returns the number of backends in the vector. Shared lock.
func (v *Vdir) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Snapshot returns a copy of the current vector. Shared lock.
func (v *Vdir) Snapshot() []*Backend {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Backend, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.backend
	}
	return out
}

// AnyHealthy aggregates health across the vector and publishes the most
// recent health-change time it observes, per spec §4.5's shared
// substrate description. Shared lock.
func (v *Vdir) AnyHealthy(now time.Time) (bool, time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	any := false
	latest := v.lastChange
	for _, e := range v.entries {
		if e.backend.Healthy() {
			any = true
		}
		if bh := e.backend.BecameHealthy(); bh.After(latest) {
			latest = bh
		}
	}
	return any, latest
}

// TotalWeight returns the sum of weights across all entries. Shared lock.
func (v *Vdir) TotalWeight() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.totalWeight
}

// scanFrom calls visit for up to n entries starting at index start
// (mod len), stopping early if visit returns true. It returns the
// number of entries examined. Shared lock held for the whole scan so
// the vector can't mutate mid-scan underneath the caller.
func (v *Vdir) scanFrom(start, n int, visit func(*Backend, int) bool) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	total := len(v.entries)
	if total == 0 {
		return 0
	}
	if n <= 0 || n > total {
		n = total
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % total
		if visit(v.entries[idx].backend, v.entries[idx].weight) {
			return i + 1
		}
	}
	return n
}

// weightedPick draws backend entries by cumulative weight over only the
// entries for which healthy returns true, using r (expected uniform in
// [0,1)) scaled by the healthy-weight sum.
func (v *Vdir) weightedPick(r float64, healthy func(*Backend) bool) *Backend {
	v.mu.RLock()
	defer v.mu.RUnlock()
	healthyWeight := 0
	for _, e := range v.entries {
		if healthy(e.backend) {
			healthyWeight += e.weight
		}
	}
	if healthyWeight == 0 {
		return nil
	}
	target := r * float64(healthyWeight)
	acc := 0.0
	for _, e := range v.entries {
		if !healthy(e.backend) {
			continue
		}
		acc += float64(e.weight)
		if target < acc {
			return e.backend
		}
	}
	// Floating-point edge case: r very close to 1.0 may leave target
	// just past the last cumulative bucket; fall back to the last
	// healthy entry rather than returning nil.
	for i := len(v.entries) - 1; i >= 0; i-- {
		if healthy(v.entries[i].backend) {
			return v.entries[i].backend
		}
	}
	return nil
}
