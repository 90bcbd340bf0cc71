//go:build darwin

package waiter

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueFacility is the BSD/Darwin event facility, registered for read
// events with EV_EOF surfacing remote close directly in the returned
// kevent, same role as epoll's EPOLLRDHUP.
type kqueueFacility struct {
	kq int
}

// NewKqueueFacility creates a kqueue-backed Facility.
func NewKqueueFacility() (Facility, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("waiter: kqueue: %w", err)
	}
	return &kqueueFacility{kq: kq}, nil
}

func (f *kqueueFacility) Add(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
	}
	_, err := unix.Kevent(f.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (f *kqueueFacility) Remove(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(f.kq, []unix.Kevent_t{ev}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (f *kqueueFacility) Wait(timeout time.Duration) ([]Event, error) {
	var ts unix.Timespec
	if timeout > 0 {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
	}
	buf := make([]unix.Kevent_t, 256)
	n, err := unix.Kevent(f.kq, nil, buf, &ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		hup := buf[i].Flags&unix.EV_EOF != 0
		out = append(out, Event{Fd: int(buf[i].Ident), Hup: hup})
	}
	return out, nil
}

func (f *kqueueFacility) Close() error {
	return unix.Close(f.kq)
}
