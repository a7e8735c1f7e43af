//go:build darwin

package sendfile

import (
	"syscall"
	"unsafe"
)

const Supported = true

// Send copies up to count bytes of file starting at *offset to sock and
// advances *offset. On EAGAIN the bytes already queued are still returned
// together with the error.
func Send(sock, file int, offset *int64, count int) (int, error) {
	length := int64(count)
	// int sendfile(int fd, int s, off_t offset, off_t *len, struct sf_hdtr *hdtr, int flags)
	_, _, errno := syscall.Syscall6(
		syscall.SYS_SENDFILE,
		uintptr(file),
		uintptr(sock),
		uintptr(*offset),
		uintptr(unsafe.Pointer(&length)),
		0,
		0,
	)
	*offset += length
	if errno != 0 {
		return int(length), errno
	}
	return int(length), nil
}

// Writev gathers iov into one write on fd.
func Writev(fd int, iov [][]byte) (int, error) {
	if len(iov) == 0 {
		return 0, nil
	}
	vecs := make([]syscall.Iovec, 0, len(iov))
	for _, p := range iov {
		if len(p) == 0 {
			continue
		}
		v := syscall.Iovec{Base: &p[0]}
		v.SetLen(len(p))
		vecs = append(vecs, v)
	}
	if len(vecs) == 0 {
		return 0, nil
	}
	n, _, errno := syscall.Syscall(syscall.SYS_WRITEV, uintptr(fd),
		uintptr(unsafe.Pointer(&vecs[0])), uintptr(len(vecs)))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
