// Package expiry implements the two dual indexes that track every live
// cached object: a binary heap keyed by fire time (ttl + grace, from
// internal/binheap) and a set of per-storage-class LRU lists. Every live
// object is on exactly one LRU and in the heap; the lock order is always
// LRU before the timer heap.
//
// Grounded on aistore's LRU jogger design
// (ebc32006_eef808a24ff-aistore__lru-lru.go.go: a minHeap of objects
// sorted by access time, walked by a dedicated goroutine that evicts
// until below a watermark) generalized from a periodic sweep into the
// spec's always-on heap-root "hang-man" loop plus an on-demand NukeOne,
// and on the teacher's ioLoop cancellation pattern (a stop channel
// selected alongside the blocking wait) for the hang-man loop's shutdown.
package expiry

import (
	"container/list"
	"errors"
	"time"

	"go.uber.org/atomic"

	"github.com/cachecore/cachecore/internal/binheap"
	"github.com/cachecore/cachecore/internal/syncstats"
)

// Digest is the object's stable 256-bit cache digest.
type Digest [32]byte

// ErrCannotMakeSpace is returned by NukeOne when every object on the LRU
// has a refcount greater than one.
var ErrCannotMakeSpace = errors.New("expiry: cannot make space")

// ObjCore is the indirection handle for a cached artifact: the unit the
// heap and LRU both track.
type ObjCore struct {
	Digest  Digest
	Body    any
	Entered time.Time
	TTL     time.Duration
	Grace   time.Duration

	// AdminDeleted marks an object whose administrative state is
	// "deleted": it stays reachable to in-flight requests until its
	// refcount reaches zero, per spec §4.2.
	AdminDeleted bool

	// LRUImmobile objects (persistent segments) never move on Touch.
	LRUImmobile bool

	refcount atomic.Int64

	fire    int64 // unix nanoseconds; binheap.Item.Key()
	heapIdx int
	lru     *Lru
	lruElem *list.Element
}

// NewObjCore creates an ObjCore not yet in any heap or LRU, with
// heapIdx seeded to binheap.NOIDX so HeapIndex reports "not in heap"
// correctly even before the object's first Insert.
func NewObjCore(digest Digest, body any, ttl, grace time.Duration) *ObjCore {
	return &ObjCore{
		Digest:  digest,
		Body:    body,
		Entered: time.Now(),
		TTL:     ttl,
		Grace:   grace,
		heapIdx: binheap.NOIDX,
	}
}

// Key implements binheap.Item.
func (o *ObjCore) Key() int64 { return o.fire }

// SetIndex implements binheap.Item.
func (o *ObjCore) SetIndex(i int) { o.heapIdx = i }

// HeapIndex returns the object's current heap slot, or binheap.NOIDX if
// it is not in the heap.
func (o *ObjCore) HeapIndex() int { return o.heapIdx }

// Ref increments the object's reference count. Called by every request
// serving it.
func (o *ObjCore) Ref() { o.refcount.Add(1) }

// Unref decrements the reference count and reports whether it reached
// zero. An object must be off both the heap and its LRU (NOIDX, unlinked)
// before this can return true in a well-formed system; callers that
// destroy the object on a true return must have already called
// Engine.remove.
func (o *ObjCore) Unref() bool {
	return o.refcount.Sub(1) == 0
}

// Refcount returns the current reference count.
func (o *ObjCore) Refcount() int64 { return o.refcount.Load() }

// Lru is a doubly-linked list of object cores plus its own mutex. There
// may be multiple, one per storage class.
type Lru struct {
	Name string
	mu   *syncstats.Mutex
	list *list.List
}

// NewLru creates a named, empty LRU list.
func NewLru(name string) *Lru {
	return &Lru{
		Name: name,
		mu:   syncstats.NewMutex(syncstats.NewClass("lru." + name)),
		list: list.New(),
	}
}

// Len returns the number of objects currently on the LRU.
func (l *Lru) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Engine owns the single process-wide timer heap and the set of
// registered LRUs. Lock order is always lru.mu before timerMu.
type Engine struct {
	timerMu *syncstats.Mutex
	heap    *binheap.Heap

	defaultGrace  time.Duration
	sleepInterval time.Duration

	touches      atomic.Uint64
	reorders     atomic.Uint64
	trylockMiss  atomic.Uint64
	expirations  atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// Params configures the expiry engine. DefaultGrace and SleepInterval
// mirror the spec's default_grace and expiry_sleep settings.
type Params struct {
	DefaultGrace  time.Duration
	SleepInterval time.Duration
}

// NewEngine creates an expiry engine; call Run to start its hang-man loop.
func NewEngine(p Params) *Engine {
	if p.SleepInterval <= 0 {
		p.SleepInterval = time.Second
	}
	return &Engine{
		timerMu:       syncstats.NewMutex(syncstats.NewClass("timer")),
		heap:          binheap.New(),
		defaultGrace:  p.DefaultGrace,
		sleepInterval: p.SleepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// computeFire returns entered+ttl+grace, honoring a per-call grace
// override (a session or object grace shorter than the engine default),
// per the original source's EXP_Inject rearm behavior. A zero object
// grace is treated as unset and replaced by the engine's default grace.
func (e *Engine) computeFire(entered time.Time, ttl, grace time.Duration, graceOverride *time.Duration) int64 {
	g := grace
	if g == 0 {
		g = e.defaultGrace
	}
	if graceOverride != nil {
		g = *graceOverride
	}
	return entered.Add(ttl).Add(g).UnixNano()
}

// Insert adds a new object to lru and the timer heap under both locks, in
// LRU-then-timer order.
func (e *Engine) Insert(lru *Lru, o *ObjCore, graceOverride *time.Duration) {
	lru.mu.Lock()
	e.timerMu.Lock()

	o.fire = e.computeFire(o.Entered, o.TTL, o.Grace, graceOverride)
	e.heap.Insert(o)
	o.lru = lru
	o.lruElem = lru.list.PushBack(o)

	e.timerMu.Unlock()
	lru.mu.Unlock()
}

// Touch records a cache hit. LRU-immobile objects never move; otherwise a
// failed try-lock is a legal no-op — LRU order is best-effort, not a
// contract.
func (e *Engine) Touch(o *ObjCore) {
	if o.LRUImmobile || o.lru == nil {
		return
	}
	if !o.lru.mu.TryLock() {
		e.trylockMiss.Add(1)
		return
	}
	defer o.lru.mu.Unlock()
	o.lru.list.MoveToBack(o.lruElem)
	e.touches.Add(1)
}

// Rearm recomputes fire (the TTL/grace changed) and reorders the heap
// under both locks.
func (e *Engine) Rearm(o *ObjCore, ttl, grace time.Duration, graceOverride *time.Duration) {
	if o.lru == nil {
		return
	}
	o.lru.mu.Lock()
	e.timerMu.Lock()

	o.TTL, o.Grace = ttl, grace
	o.fire = e.computeFire(o.Entered, ttl, grace, graceOverride)
	if o.heapIdx != binheap.NOIDX {
		e.heap.Fix(o.heapIdx)
	}
	e.reorders.Add(1)

	e.timerMu.Unlock()
	o.lru.mu.Unlock()
}

// remove splices o out of both the heap and its LRU, in LRU-then-timer
// order, without touching its refcount.
func (e *Engine) remove(o *ObjCore) {
	o.lru.mu.Lock()
	e.timerMu.Lock()

	if o.heapIdx != binheap.NOIDX {
		e.heap.Remove(o.heapIdx)
	}
	if o.lruElem != nil {
		o.lru.list.Remove(o.lruElem)
		o.lruElem = nil
	}

	e.timerMu.Unlock()
	o.lru.mu.Unlock()
}

// NukeOne walks lru from head forward and removes the first object whose
// refcount is exactly one (i.e. held only by the cache itself, not by any
// in-flight request). Returns ErrCannotMakeSpace, mutating nothing, if no
// such object exists.
func (e *Engine) NukeOne(lru *Lru) (*ObjCore, error) {
	lru.mu.Lock()
	var victim *ObjCore
	for el := lru.list.Front(); el != nil; el = el.Next() {
		o := el.Value.(*ObjCore)
		if o.Refcount() == 1 {
			victim = o
			break
		}
	}
	if victim == nil {
		lru.mu.Unlock()
		return nil, ErrCannotMakeSpace
	}

	e.timerMu.Lock()
	if victim.heapIdx != binheap.NOIDX {
		e.heap.Remove(victim.heapIdx)
	}
	lru.list.Remove(victim.lruElem)
	victim.lruElem = nil
	e.timerMu.Unlock()
	lru.mu.Unlock()

	return victim, nil
}

// Run starts the hang-man loop: sample the heap root, sleep until its
// fire time, then remove and dereference the expiring object. Run blocks
// until Stop is called; callers should start it in its own goroutine.
func (e *Engine) Run(onExpire func(*ObjCore)) {
	defer close(e.doneCh)
	for {
		e.timerMu.Lock()
		root := e.heap.Peek()
		e.timerMu.Unlock()

		if root == nil {
			select {
			case <-e.stopCh:
				return
			case <-time.After(e.sleepInterval):
				continue
			}
		}

		o := root.(*ObjCore)
		wait := time.Until(time.Unix(0, o.fire))
		if wait < 0 {
			wait = 0
		}

		select {
		case <-e.stopCh:
			return
		case <-time.After(wait):
		}

		e.timerMu.Lock()
		current := e.heap.Peek()
		e.timerMu.Unlock()
		if current != o {
			// A concurrent deletion stole the root; restart the loop
			// rather than dereference a now-wrong object.
			continue
		}
		if time.Now().UnixNano() < o.fire {
			continue
		}

		e.remove(o)
		o.Unref()
		e.expirations.Add(1)
		if onExpire != nil {
			onExpire(o)
		}
	}
}

// Stop signals the hang-man loop to exit and waits for it to drain.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// Stats is a point-in-time snapshot of engine-wide counters.
type Stats struct {
	Touches     uint64
	Reorders    uint64
	TrylockMiss uint64
	Expirations uint64
	HeapLen     int
}

// Snapshot returns the engine's counters.
func (e *Engine) Snapshot() Stats {
	e.timerMu.Lock()
	heapLen := e.heap.Len()
	e.timerMu.Unlock()
	return Stats{
		Touches:     e.touches.Load(),
		Reorders:    e.reorders.Load(),
		TrylockMiss: e.trylockMiss.Load(),
		Expirations: e.expirations.Load(),
		HeapLen:     heapLen,
	}
}

// HeapRoot exposes the current heap root for tests and diagnostics.
func (e *Engine) HeapRoot() *ObjCore {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	root := e.heap.Peek()
	if root == nil {
		return nil
	}
	return root.(*ObjCore)
}
