// Package poller is the readiness-notification layer under the worker
// loop: level-triggered epoll on Linux, kqueue on Darwin.
package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Interest selects the readiness kinds a descriptor is watched for.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// ErrUnsupported is returned by NewPoller on platforms without a backend.
var ErrUnsupported = errors.New("poller: platform not supported")

// Event reports readiness of one descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int, in Interest) error
	Mod(fd int, in Interest) error
	Remove(fd int) error
	// Wait blocks up to timeout milliseconds (-1 forever). The returned
	// slice is reused by the next call.
	Wait(timeout int) ([]Event, error)
	// Wake interrupts a concurrent Wait. Safe from any goroutine.
	Wake() error
	Close() error
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
