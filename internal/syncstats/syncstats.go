// Package syncstats wraps mutexes and condition variables with per-class
// statistics counters, the way the data-plane core instruments every lock
// acquisition in the hot path without adding a branch to the fast path.
//
// Grounded on the teacher's atomic-counter metrics shape (root metrics.go:
// atomic.Uint64 fields updated on every operation, snapshotted without
// blocking the writer) and built on go.uber.org/atomic rather than raw
// sync/atomic per the pack's preferred atomic wrapper (aistore's
// 3rdparty/atomic, joeycumines-go-utilpkg/sql's go.uber.org/atomic use).
package syncstats

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Class is a named statistics row shared by every Mutex/Cond of one kind
// (e.g. "lru", "timer", "vsl", "tcppool"). Multiple Mutex/Cond instances
// may point at the same Class so totals aggregate across, say, every LRU
// in the system.
type Class struct {
	Name string

	Creates        atomic.Uint64
	Destroys       atomic.Uint64
	Locks          atomic.Uint64
	Unlocks        atomic.Uint64
	Contentions    atomic.Uint64 // failed TryLock attempts
	Waits          atomic.Uint64 // Cond.Wait calls
	WaitDurationNs atomic.Uint64
}

// NewClass allocates a statistics row for a named lock class.
func NewClass(name string) *Class {
	return &Class{Name: name}
}

// ClassSnapshot is a point-in-time copy of a Class's counters.
type ClassSnapshot struct {
	Name           string
	Creates        uint64
	Destroys       uint64
	Locks          uint64
	Unlocks        uint64
	Contentions    uint64
	Waits          uint64
	WaitDurationNs uint64
}

// Snapshot takes a point-in-time copy of the class's counters.
func (c *Class) Snapshot() ClassSnapshot {
	return ClassSnapshot{
		Name:           c.Name,
		Creates:        c.Creates.Load(),
		Destroys:       c.Destroys.Load(),
		Locks:          c.Locks.Load(),
		Unlocks:        c.Unlocks.Load(),
		Contentions:    c.Contentions.Load(),
		Waits:          c.Waits.Load(),
		WaitDurationNs: c.WaitDurationNs.Load(),
	}
}

// Mutex is a sync.Mutex instrumented against a Class. Unlocking a mutex
// that is not held panics; TryLock failures are counted as contention
// rather than silently retried. Lock ownership is not tracked per
// goroutine: a recursive Lock by the holder is not detected (it blocks in
// the underlying sync.Mutex), and an Unlock from a goroutine other than
// the holder is not detected either.
type Mutex struct {
	mu    sync.Mutex
	class *Class
	held  atomic.Bool
}

// NewMutex creates a mutex instrumented against class, recording a create.
func NewMutex(class *Class) *Mutex {
	class.Creates.Add(1)
	return &Mutex{class: class}
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	m.mu.Lock()
	m.markLocked()
}

// TryLock attempts to acquire the mutex without blocking. A failure bumps
// the class's contention counter — this is the spec's "try-first" VSL
// mutex pattern and the expiry engine's best-effort LRU touch.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		m.class.Contentions.Add(1)
		return false
	}
	m.markLocked()
	return true
}

// Unlock releases the mutex. Unlocking a mutex that is not held is a fatal
// invariant violation per spec §7 and panics rather than silently racing.
func (m *Mutex) Unlock() {
	if !m.held.CompareAndSwap(true, false) {
		panic("syncstats: Unlock of mutex not held")
	}
	m.class.Unlocks.Add(1)
	m.mu.Unlock()
}

// Destroy records a destroy event on the owning class. It does not release
// any OS resource (sync.Mutex needs none) but keeps the create/destroy
// counters balanced for leak detection by external readers.
func (m *Mutex) Destroy() {
	m.class.Destroys.Add(1)
}

func (m *Mutex) markLocked() {
	if !m.held.CompareAndSwap(false, true) {
		// Reached only if two holders believe they hold the lock
		// simultaneously, which the underlying sync.Mutex already
		// forbids; this indicates state corruption, not a race.
		panic("syncstats: mutex locked while already marked held")
	}
	m.class.Locks.Add(1)
}

// Cond is a sync.Cond instrumented against a Class: every Wait is counted
// and timed, matching the spec's per-class wait_duration_ns statistic.
type Cond struct {
	cond  *sync.Cond
	class *Class
}

// NewCond creates a condition variable guarded by m's underlying locker,
// instrumented against class.
func NewCond(m *Mutex, class *Class) *Cond {
	return &Cond{cond: sync.NewCond(&trylockerAdapter{m}), class: class}
}

// Wait blocks on the condition variable; the caller must hold the
// associated mutex. Records a wait count and duration on return.
func (c *Cond) Wait() {
	start := time.Now()
	c.class.Waits.Add(1)
	c.cond.Wait()
	c.class.WaitDurationNs.Add(uint64(time.Since(start).Nanoseconds()))
}

// Signal wakes one waiter, the way Recycle wakes a single blocked Get.
func (c *Cond) Signal() {
	c.cond.Signal()
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	c.cond.Broadcast()
}

// trylockerAdapter adapts *Mutex to sync.Locker for sync.NewCond, which
// only needs Lock/Unlock (Cond.Wait calls them internally around the
// futex-style parking); TryLock/contention accounting is unaffected since
// Cond never calls TryLock.
type trylockerAdapter struct {
	m *Mutex
}

func (a *trylockerAdapter) Lock()   { a.m.Lock() }
func (a *trylockerAdapter) Unlock() { a.m.Unlock() }
