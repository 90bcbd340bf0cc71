package tcppool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/cachecore/cachecore/internal/syncstats"
)

var (
	// ErrNoConnection is returned by Get when dialing fails within the
	// connect timeout.
	ErrNoConnection = errors.New("tcppool: no connection")
	// ErrWaitTimeout is returned by Get when a caller parked on the wait
	// queue and no connection became available before its deadline.
	ErrWaitTimeout    = errors.New("tcppool: wait timeout")
	errNotSyscallConn = errors.New("tcppool: not a syscall.Conn")
)

// Key identifies a pool: the ordered (v4, v6) address pair plus a
// proto-identity tag, per spec §3 "TCP pool".
type Key struct {
	V4    string
	V6    string
	Proto string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.V4, k.V6, k.Proto)
}

// Dialer opens a new backend connection.
type Dialer func(ctx context.Context) (net.Conn, error)

// Params configures a Pool's resource limits.
type Params struct {
	// MaxConns bounds concurrently outstanding connections (in-use plus
	// idle); workers beyond this limit park on the wait queue.
	MaxConns int64
	// ConnectTimeout bounds both a fresh dial and a parked Get call.
	ConnectTimeout time.Duration
}

type waitSlot struct {
	ch chan *Conn // buffered 1; nil delivery means "retry", per Close's wake
}

// Pool is a per-endpoint cache of idle keepalive connections (§4.4).
type Pool struct {
	key    Key
	dial   Dialer
	params Params

	mu        *syncstats.Mutex
	available []*Conn
	waiters   *list.List // of *waitSlot, FIFO

	sem       *semaphore.Weighted
	refcount  atomic.Int64
	connCount atomic.Int64

	waits   atomic.Uint64
	steals  atomic.Uint64
}

func newPool(key Key, dial Dialer, params Params) *Pool {
	if params.MaxConns <= 0 {
		params.MaxConns = 1
	}
	return &Pool{
		key:     key,
		dial:    dial,
		params:  params,
		mu:      syncstats.NewMutex(syncstats.NewClass("tcppool")),
		waiters: list.New(),
		sem:     semaphore.NewWeighted(params.MaxConns),
	}
}

// Key returns the pool's identity.
func (p *Pool) Key() Key { return p.key }

// IdleCount returns the number of connections currently sitting in the
// available queue.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// ConnCount returns the number of connections currently owned by this
// pool (available + in-use), bounded by Params.MaxConns.
func (p *Pool) ConnCount() int64 { return p.connCount.Load() }

// Get returns a connection: reused from the idle queue, freshly dialed
// if the pool has spare concurrency, or obtained by parking on the wait
// queue until one is recycled, closed, or the connect timeout elapses.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(p.params.ConnectTimeout)
	for {
		if c := p.popAvailable(); c != nil {
			return c, nil
		}

		if p.sem.TryAcquire(1) {
			c, err := p.connectWithTimeout(ctx, deadline)
			if err != nil {
				p.sem.Release(1)
				return nil, err
			}
			p.connCount.Add(1)
			c.setState(StateInUse)
			return c, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrWaitTimeout
		}

		c, ok, err := p.park(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrWaitTimeout
		}
		if c != nil {
			return c, nil
		}
		// c == nil: Close freed a slot without handing over a live
		// connection; loop to retry the semaphore/dial path.
	}
}

func (p *Pool) popAvailable() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return nil
	}
	c := p.available[0]
	p.available = p.available[1:]
	c.setState(StateInUse)
	return c
}

func (p *Pool) connectWithTimeout(ctx context.Context, deadline time.Time) (*Conn, error) {
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	nc, err := p.dial(dctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, err)
	}
	return newConn(nc, p), nil
}

// park blocks the caller on the wait queue until woken by recycle,
// closeConn, the deadline, or context cancellation.
func (p *Pool) park(ctx context.Context, timeout time.Duration) (*Conn, bool, error) {
	slot := &waitSlot{ch: make(chan *Conn, 1)}
	p.mu.Lock()
	elem := p.waiters.PushBack(slot)
	p.mu.Unlock()
	p.waits.Inc()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-slot.ch:
		return c, true, nil
	case <-timer.C:
		p.removeWaiter(elem)
		return nil, false, nil
	case <-ctx.Done():
		p.removeWaiter(elem)
		return nil, false, ctx.Err()
	}
}

func (p *Pool) removeWaiter(elem *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// elem may already have been popped by recycle/closeConn racing this
	// timeout; list.Remove on an element no longer in the list is unsafe,
	// so only remove while it's still linked to this list.
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(elem)
			return
		}
	}
}

// recycle returns c to the pool: handed directly (stolen) to the oldest
// parked waiter if one exists, otherwise appended to the idle queue.
func (p *Pool) recycle(c *Conn) {
	p.mu.Lock()
	if front := p.waiters.Front(); front != nil {
		slot := p.waiters.Remove(front).(*waitSlot)
		p.mu.Unlock()
		p.steals.Inc()
		c.setState(StateStolen)
		slot.ch <- c
		return
	}
	c.setState(StateAvailable)
	p.available = append(p.available, c)
	p.mu.Unlock()
}

// closeConn force-closes c, releases its pool slot, and wakes one
// waiter (if any) to retry the dial path.
func (p *Pool) closeConn(c *Conn) error {
	c.setState(StateCleanup)
	err := c.nc.Close()
	p.sem.Release(1)
	p.connCount.Add(-1)

	p.mu.Lock()
	front := p.waiters.Front()
	var slot *waitSlot
	if front != nil {
		slot = p.waiters.Remove(front).(*waitSlot)
	}
	p.mu.Unlock()
	if slot != nil {
		slot.ch <- nil
	}
	return err
}

// Stats summarizes pool activity for metrics export.
type Stats struct {
	Idle   int
	InUse  int64
	Waits  uint64
	Steals uint64
}

// Snapshot returns a point-in-time view of pool counters.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	idle := len(p.available)
	p.mu.Unlock()
	return Stats{
		Idle:   idle,
		InUse:  p.connCount.Load() - int64(idle),
		Waits:  p.waits.Load(),
		Steals: p.steals.Load(),
	}
}
