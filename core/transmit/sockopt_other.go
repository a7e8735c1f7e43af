//go:build unix && !linux && !darwin

package transmit

import (
	"golang.org/x/sys/unix"
)

const corkSupported = false

func setCork(fd int, on bool) error {
	return unix.ENOPROTOOPT
}

func setNoDelay(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(on))
}
