//go:build unix && !linux && !darwin

package sendfile

import (
	"golang.org/x/sys/unix"
)

const Supported = false

// Send emulates the kernel copy with a bounded pread and write.
func Send(sock, file int, offset *int64, count int) (int, error) {
	if count > 65536 {
		count = 65536
	}
	p := make([]byte, count)
	n, err := unix.Pread(file, p, *offset)
	if n <= 0 {
		return 0, err
	}
	w, err := unix.Write(sock, p[:n])
	if w > 0 {
		*offset += int64(w)
	}
	return w, err
}

// Writev writes iov one slice at a time, stopping at the first short write.
func Writev(fd int, iov [][]byte) (int, error) {
	total := 0
	for _, p := range iov {
		n, err := unix.Write(fd, p)
		if n > 0 {
			total += n
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n < len(p) {
			break
		}
	}
	return total, nil
}
