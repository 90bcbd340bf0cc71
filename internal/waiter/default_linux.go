//go:build linux

package waiter

// NewDefaultFacility creates the best available Facility for the host
// platform: epoll on Linux.
func NewDefaultFacility() (Facility, error) {
	return NewEpollFacility()
}
