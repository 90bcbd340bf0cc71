// facility_poll.go implements the portable poll(2) fallback facility the
// spec names alongside epoll/kqueue/event-ports: usable on any platform
// golang.org/x/sys/unix supports poll on, at the cost of O(n) fd scanning
// per wait instead of O(ready).
package waiter

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollFacility tracks its registered fd set explicitly since poll(2)
// takes the whole set on every call, unlike epoll/kqueue's incremental
// registration.
type pollFacility struct {
	mu  sync.Mutex
	fds map[int]struct{}
}

// NewPollFacility creates a poll(2)-backed Facility.
func NewPollFacility() Facility {
	return &pollFacility{fds: make(map[int]struct{})}
}

func (f *pollFacility) Add(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fds[fd] = struct{}{}
	return nil
}

func (f *pollFacility) Remove(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fds, fd)
	return nil
}

func (f *pollFacility) Wait(timeout time.Duration) ([]Event, error) {
	f.mu.Lock()
	fds := make([]unix.PollFd, 0, len(f.fds))
	for fd := range f.fds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	f.mu.Unlock()

	if len(fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	ms := int(timeout.Milliseconds())
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		hup := pfd.Revents&(unix.POLLHUP|unix.POLLERR) != 0
		out = append(out, Event{Fd: int(pfd.Fd), Hup: hup})
	}
	return out, nil
}

func (f *pollFacility) Close() error {
	return nil
}
