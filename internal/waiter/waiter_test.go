package waiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFacility is an in-memory stand-in for epoll/kqueue/poll, letting
// tests drive readiness deterministically instead of needing real sockets.
type fakeFacility struct {
	mu    sync.Mutex
	armed map[int]bool
	ready chan Event
}

func newFakeFacility() *fakeFacility {
	return &fakeFacility{armed: make(map[int]bool), ready: make(chan Event, 64)}
}

func (f *fakeFacility) Add(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[fd] = true
	return nil
}

func (f *fakeFacility) Remove(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, fd)
	return nil
}

func (f *fakeFacility) Wait(timeout time.Duration) ([]Event, error) {
	select {
	case ev := <-f.ready:
		return []Event{ev}, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeFacility) Close() error { return nil }

func (f *fakeFacility) fire(ev Event) { f.ready <- ev }

func TestWaiter_TimeoutFiresExactlyOnce(t *testing.T) {
	fac := newFakeFacility()
	w, err := New(fac)
	require.NoError(t, err)
	go w.Run()
	defer w.Shutdown()

	calls := make(chan Reason, 4)
	require.NoError(t, w.Enter(&Waited{
		Fd:       101,
		Deadline: time.Now().Add(100 * time.Millisecond),
		Cb:       func(fd int, r Reason) { calls <- r },
	}))

	select {
	case r := <-calls:
		require.Equal(t, ReasonTimeout, r)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	select {
	case r := <-calls:
		t.Fatalf("callback fired twice, second reason=%v", r)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWaiter_ActionFiresOnReadiness(t *testing.T) {
	fac := newFakeFacility()
	w, err := New(fac)
	require.NoError(t, err)
	go w.Run()
	defer w.Shutdown()

	calls := make(chan Reason, 4)
	require.NoError(t, w.Enter(&Waited{
		Fd:       202,
		Deadline: time.Now().Add(10 * time.Second),
		Cb:       func(fd int, r Reason) { calls <- r },
	}))

	fac.fire(Event{Fd: 202, Hup: false})

	select {
	case r := <-calls:
		require.Equal(t, ReasonAction, r)
	case <-time.After(2 * time.Second):
		t.Fatal("action callback never fired")
	}
}

func TestWaiter_RemCloseOnHup(t *testing.T) {
	fac := newFakeFacility()
	w, err := New(fac)
	require.NoError(t, err)
	go w.Run()
	defer w.Shutdown()

	calls := make(chan Reason, 4)
	require.NoError(t, w.Enter(&Waited{
		Fd:       303,
		Deadline: time.Now().Add(10 * time.Second),
		Cb:       func(fd int, r Reason) { calls <- r },
	}))

	fac.fire(Event{Fd: 303, Hup: true})

	select {
	case r := <-calls:
		require.Equal(t, ReasonRemClose, r)
	case <-time.After(2 * time.Second):
		t.Fatal("remclose callback never fired")
	}
}

func TestWaiter_CountTracksLiveEntries(t *testing.T) {
	fac := newFakeFacility()
	w, err := New(fac)
	require.NoError(t, err)
	go w.Run()
	defer w.Shutdown()

	done := make(chan struct{})
	require.NoError(t, w.Enter(&Waited{
		Fd:       404,
		Deadline: time.Now().Add(10 * time.Second),
		Cb:       func(fd int, r Reason) { close(done) },
	}))
	require.Equal(t, int64(1), w.Count())

	fac.fire(Event{Fd: 404})
	<-done

	require.Eventually(t, func() bool { return w.Count() == 0 }, time.Second, 10*time.Millisecond)
}
