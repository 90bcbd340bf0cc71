// Package tcppool implements the per-endpoint idle-connection cache: pools
// are keyed by (v4, v6, proto) and refcounted, handing out reused
// connections before dialing new ones, with a steal-on-recycle path so a
// parked worker gets a freshly-returned connection without ever touching
// the idle queue.
//
// Grounded on the teacher's internal/queue.Runner per-tag state machine
// (tagStates/tagMutexes guarding FetchInFlight/Owned/CommitInFlight
// transitions): the same one-mutex-per-slot, explicit-state-enum shape is
// reused here for a connection's available/in-use/stolen/cleanup states.
package tcppool

import (
	"errors"
	"net"
	"syscall"
	"time"

	"go.uber.org/atomic"
)

// ErrSendTimeout is returned by WriteTimeout when the cumulative
// send_timeout elapses before the full payload is written.
var ErrSendTimeout = errors.New("tcppool: send timeout")

// State is a connection's position in the pool's lifecycle.
type State int32

const (
	// StateAvailable means the connection sits in the pool's idle queue.
	StateAvailable State = iota
	// StateInUse means a caller holds the connection exclusively.
	StateInUse
	// StateStolen means the connection was handed directly to a parked
	// waiter by Recycle, bypassing the idle queue.
	StateStolen
	// StateCleanup means the connection is being torn down by Close.
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in-use"
	case StateStolen:
		return "stolen"
	case StateCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Conn is one pooled backend connection (the spec's Vtp).
type Conn struct {
	nc    net.Conn
	fd    int
	peer  net.Addr
	state atomic.Int32
	pool  *Pool
}

func newConn(nc net.Conn, pool *Pool) *Conn {
	fd, _ := fdOf(nc)
	return &Conn{nc: nc, fd: fd, peer: nc.RemoteAddr(), pool: pool}
}

// NetConn returns the underlying connection for I/O.
func (c *Conn) NetConn() net.Conn { return c.nc }

// Fd returns the connection's file descriptor, or -1 if it could not be
// extracted (e.g. a non-syscall.Conn implementation used in tests).
func (c *Conn) Fd() int { return c.fd }

// Peer returns the remote address recorded at connect time.
func (c *Conn) Peer() net.Addr { return c.peer }

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Pool returns the owning pool.
func (c *Conn) Pool() *Pool { return c.pool }

// WriteTimeout writes b in full, retrying partial writes by trimming
// already-sent bytes and reissuing, bounded by a single cumulative
// send_timeout deadline rather than a per-attempt one: per spec, "partial
// writes on write-timeout are retried by trimming already-sent bytes from
// the iovec and reissuing, unless cumulative send_timeout has been
// exceeded, in which case the error is final." A zero or negative
// sendTimeout disables the deadline and writes once, uninterrupted.
func (c *Conn) WriteTimeout(b []byte, sendTimeout time.Duration) (int, error) {
	if sendTimeout <= 0 {
		return c.nc.Write(b)
	}

	deadline := time.Now().Add(sendTimeout)
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	defer c.nc.SetWriteDeadline(time.Time{})

	var written int
	for len(b) > 0 {
		n, err := c.nc.Write(b)
		written += n
		b = b[n:]
		if err == nil {
			continue
		}
		if len(b) == 0 {
			break
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if time.Now().After(deadline) {
				return written, ErrSendTimeout
			}
			// Spurious/short timeout before the cumulative deadline:
			// trim what was sent and reissue the remainder.
			continue
		}
		return written, err
	}
	return written, nil
}

// Recycle returns the connection to its pool: stolen by a parked waiter
// if there is one, otherwise appended to the idle queue. It does the same
// whether or not the pool is still held by a Registry.
func (c *Conn) Recycle() { c.pool.recycle(c) }

// Close force-closes the connection and releases its pool slot.
func (c *Conn) Close() error { return c.pool.closeConn(c) }

// fdOf extracts the raw file descriptor backing a net.Conn, when the
// concrete type supports it (TCP/Unix conns do; test fakes may not).
func fdOf(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, errNotSyscallConn
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}
