//go:build linux

package waiter

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollFacility is the primary Linux event facility: one epoll instance
// armed for read+hup on every waited fd, one-shot so a ready fd must be
// re-armed (or, in this package, simply re-Enter'd) before it fires again.
type epollFacility struct {
	epfd int
}

// NewEpollFacility creates an epoll-backed Facility.
func NewEpollFacility() (Facility, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("waiter: epoll_create1: %w", err)
	}
	return &epollFacility{epfd: fd}, nil
}

func (f *epollFacility) Add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}
	err := unix.EpollCtl(f.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if err == unix.EEXIST {
		return unix.EpollCtl(f.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	return err
}

func (f *epollFacility) Remove(fd int) error {
	err := unix.EpollCtl(f.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (f *epollFacility) Wait(timeout time.Duration) ([]Event, error) {
	ms := int(timeout.Milliseconds())
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	buf := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(f.epfd, buf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		hup := buf[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0
		out = append(out, Event{Fd: int(buf[i].Fd), Hup: hup})
	}
	return out, nil
}

func (f *epollFacility) Close() error {
	return unix.Close(f.epfd)
}
