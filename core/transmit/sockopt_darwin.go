//go:build darwin

package transmit

import (
	"golang.org/x/sys/unix"
)

const corkSupported = true

// TCP_NOPUSH holds partial frames like TCP_CORK does on Linux.
func setCork(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NOPUSH, boolInt(on))
}

func setNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(on))
}
