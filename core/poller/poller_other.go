//go:build !linux && !darwin

package poller

// NewPoller reports that no backend exists for this platform.
func NewPoller() (Poller, error) {
	return nil, ErrUnsupported
}
