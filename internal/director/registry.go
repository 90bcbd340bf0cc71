package director

import (
	"sync"
	"time"

	"github.com/cachecore/cachecore/internal/tcppool"
)

// BackendRegistry is the process-wide table of backends this process
// knows about, plus the cooling list of deleted backends awaiting
// retirement, per spec §3: "A deleted backend enters a cooling list for
// at least 60 seconds so in-flight requests may finish before it is
// freed." Grounded on the same cooling-list shape as vsm.Arena's free
// list (block held, not-before timestamp, periodic coalesce sweep).
type BackendRegistry struct {
	mu      sync.Mutex
	live    map[string]*Backend // keyed by Name+"\x00"+Ident
	cooling []*Backend

	coolInterval time.Duration
	pools        *tcppool.Registry // optional; releases pool refs on retirement
}

// NewBackendRegistry creates an empty registry. pools may be nil if
// backends in this registry don't hold pool references that need
// releasing on retirement.
func NewBackendRegistry(coolInterval time.Duration, pools *tcppool.Registry) *BackendRegistry {
	if coolInterval <= 0 {
		coolInterval = 60 * time.Second
	}
	return &BackendRegistry{
		live:         make(map[string]*Backend),
		coolInterval: coolInterval,
		pools:        pools,
	}
}

func backendKey(b *Backend) string { return b.Name + "\x00" + b.Ident }

// Add registers b as live.
func (r *BackendRegistry) Add(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[backendKey(b)] = b
}

// Lookup returns the live backend for (name, ident), if any.
func (r *BackendRegistry) Lookup(name, ident string) (*Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.live[name+"\x00"+ident]
	return b, ok
}

// Snapshot returns every currently live (not cooling) backend.
func (r *BackendRegistry) Snapshot() []*Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Backend, 0, len(r.live))
	for _, b := range r.live {
		out = append(out, b)
	}
	return out
}

// CoolingLen returns how many backends are currently on the cooling list.
func (r *BackendRegistry) CoolingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cooling)
}

// Delete moves a live backend onto the cooling list, marking it deleted
// and due for release no sooner than now+coolInterval. A backend not
// found in the live set is a no-op (already deleted or never added).
func (r *BackendRegistry) Delete(b *Backend, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := backendKey(b)
	if _, ok := r.live[key]; !ok {
		return
	}
	delete(r.live, key)
	b.StartCooling(now, r.coolInterval)
	r.cooling = append(r.cooling, b)
}

// SweepCooling retires every backend whose cooling period has elapsed:
// it releases that backend's pool reference (if this registry tracks a
// pools registry and the backend holds one) and drops it from the
// cooling list, returning the backends it retired. Callable both from a
// ticker and from reconfiguration, per the spec's backend cooling-list
// sweep.
func (r *BackendRegistry) SweepCooling(now time.Time) []*Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	var retired []*Backend
	remaining := r.cooling[:0]
	for _, b := range r.cooling {
		if !b.CooledDown(now) {
			remaining = append(remaining, b)
			continue
		}
		if r.pools != nil && b.Pool != nil {
			r.pools.Release(b.Pool.Key())
		}
		retired = append(retired, b)
	}
	r.cooling = remaining
	return retired
}
