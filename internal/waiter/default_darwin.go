//go:build darwin

package waiter

// NewDefaultFacility creates the best available Facility for the host
// platform: kqueue on Darwin.
func NewDefaultFacility() (Facility, error) {
	return NewKqueueFacility()
}
