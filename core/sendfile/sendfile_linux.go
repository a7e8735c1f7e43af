//go:build linux

package sendfile

import (
	"golang.org/x/sys/unix"
)

// Supported reports whether the platform has a kernel file-to-socket copy.
const Supported = true

// Send copies up to count bytes of file starting at *offset to sock and
// advances *offset. It makes exactly one system call.
func Send(sock, file int, offset *int64, count int) (int, error) {
	return unix.Sendfile(sock, file, offset, count)
}

// Writev gathers iov into one write on fd.
func Writev(fd int, iov [][]byte) (int, error) {
	return unix.Writev(fd, iov)
}
