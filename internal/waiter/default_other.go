//go:build !linux && !darwin

package waiter

// NewDefaultFacility falls back to the portable poll(2) facility on
// platforms without a dedicated epoll/kqueue implementation.
func NewDefaultFacility() (Facility, error) {
	return NewPollFacility(), nil
}
