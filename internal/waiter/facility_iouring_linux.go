//go:build linux && iouring

// This file mirrors the teacher's own opt-in pattern for the io_uring
// backend (internal/uring/iouring.go was gated behind `-tags giouring`
// rather than built by default): it is an alternate waiter Facility for
// kernels that support batching IORING_OP_POLL_ADD submissions, selected
// explicitly at build time rather than auto-detected, since the minimum
// kernel version for multishot poll varies by distribution.
package waiter

import (
	"fmt"
	"time"

	"github.com/pawelgaczynski/giouring"
)

// iouringFacility batches POLL_ADD submissions for every waited fd into
// one ring instead of one epoll_ctl syscall per registration.
type iouringFacility struct {
	ring    *giouring.Ring
	pending map[int]uint64 // fd -> submitted user_data token
	nextTok uint64
}

// NewIOURingFacility creates an io_uring-backed Facility with the given
// submission/completion queue depth.
func NewIOURingFacility(entries uint32) (Facility, error) {
	ring := &giouring.Ring{}
	if err := ring.QueueInit(entries, 0); err != nil {
		return nil, fmt.Errorf("waiter: io_uring queue init: %w", err)
	}
	return &iouringFacility{
		ring:    ring,
		pending: make(map[int]uint64),
	}, nil
}

func (f *iouringFacility) Add(fd int) error {
	sqe := f.ring.GetSQE()
	if sqe == nil {
		if _, err := f.ring.Submit(); err != nil {
			return fmt.Errorf("waiter: io_uring submit to drain SQ: %w", err)
		}
		sqe = f.ring.GetSQE()
		if sqe == nil {
			return fmt.Errorf("waiter: io_uring submission queue full")
		}
	}
	f.nextTok++
	tok := f.nextTok
	sqe.PrepPollAdd(int32(fd), giouring.POLLIN|giouring.POLLRDHUP|giouring.POLLHUP|giouring.POLLERR)
	sqe.UserData = tok
	f.pending[fd] = tok
	_, err := f.ring.Submit()
	return err
}

func (f *iouringFacility) Remove(fd int) error {
	delete(f.pending, fd)
	return nil
}

func (f *iouringFacility) Wait(timeout time.Duration) ([]Event, error) {
	var ts giouring.Timespec
	if timeout > 0 {
		ts = giouring.NewTimespec(timeout)
	}
	cqe, err := f.ring.WaitCQETimeout(&ts)
	if err != nil {
		return nil, nil // timeout or EINTR: let the caller re-evaluate deadlines
	}

	var out []Event
	for fd, tok := range f.pending {
		if tok == cqe.UserData {
			hup := cqe.Res < 0 || (cqe.Res&(giouring.POLLHUP|giouring.POLLERR|giouring.POLLRDHUP)) != 0
			out = append(out, Event{Fd: fd, Hup: hup})
			delete(f.pending, fd)
			break
		}
	}
	f.ring.CQESeen(cqe)
	return out, nil
}

func (f *iouringFacility) Close() error {
	f.ring.QueueExit()
	return nil
}
