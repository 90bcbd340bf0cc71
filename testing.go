package cachecore

import (
	"context"
	"net"
	"sync"
)

// RecordingObserver implements Observer and tallies every call for
// assertion in tests, the way the teacher's MockBackend tallied
// ReadAt/WriteAt/Flush calls for verification.
type RecordingObserver struct {
	mu sync.Mutex

	ShmAllocs     int
	ShmContended  int
	ShmExhausted  int
	ExpiryReorder int
	WaiterWakes   int
	WaiterTimeout int
	WaiterRemClose int
	PoolGets      int
	PoolDials     int
	PoolReuses    int
	PoolStolen    int
	PoolWaited    int
	PoolTimedOut  int
	DirectorResolves int
	DirectorFound    int
	DirectorDepthExceeded int
}

// NewRecordingObserver returns a zeroed RecordingObserver.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{}
}

func (r *RecordingObserver) ObserveShmAlloc(latencyNs uint64, contended, exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ShmAllocs++
	if contended {
		r.ShmContended++
	}
	if exhausted {
		r.ShmExhausted++
	}
}

func (r *RecordingObserver) ObserveExpiryReorder() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ExpiryReorder++
}

func (r *RecordingObserver) ObserveWaiterWake(timeout, remClose bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.WaiterWakes++
	if timeout {
		r.WaiterTimeout++
	}
	if remClose {
		r.WaiterRemClose++
	}
}

func (r *RecordingObserver) ObservePoolGet(dialed, reused, stolen, waited, timedOut bool, latencyNs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PoolGets++
	if dialed {
		r.PoolDials++
	}
	if reused {
		r.PoolReuses++
	}
	if stolen {
		r.PoolStolen++
	}
	if waited {
		r.PoolWaited++
	}
	if timedOut {
		r.PoolTimedOut++
	}
}

func (r *RecordingObserver) ObserveDirectorResolve(found, depthExceeded bool, latencyNs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DirectorResolves++
	if found {
		r.DirectorFound++
	}
	if depthExceeded {
		r.DirectorDepthExceeded++
	}
}

// Reset zeroes every counter.
func (r *RecordingObserver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r = RecordingObserver{}
}

var _ Observer = (*RecordingObserver)(nil)

// PipeDialer returns a tcppool.Dialer-compatible function backed by
// net.Pipe, for exercising the connection pool in tests without a real
// listener. Each call hands back one end of a fresh in-memory pipe and
// discards the other end's reads so writes don't block; callers that
// need to inspect traffic should build their own dialer instead.
func PipeDialer() func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go sinkConn(server)
		return client, nil
	}
}

// sinkConn drains and discards everything written to conn until it is
// closed, keeping a PipeDialer-backed pool's writes from blocking.
func sinkConn(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
