package transmit

import (
	"os"
	"sync"

	"github.com/searchktools/fast-io/core/sendfile"
)

// maxSendfileSize is the largest count a single kernel copy accepts.
const maxSendfileSize = 1<<31 - 1

// Capabilities describe what the platform's transmission primitives can
// do. They are detected once per process and shared read-only.
type Capabilities struct {
	PageSize int64
	IOVMax   int
	Sendfile bool
	Cork     bool

	// MaxSendfile caps the bytes handed to one chain send.
	MaxSendfile int64
}

var (
	capsOnce sync.Once
	caps     *Capabilities
)

// Detect returns the process-wide capabilities.
func Detect() *Capabilities {
	capsOnce.Do(func() {
		ps := int64(os.Getpagesize())
		caps = &Capabilities{
			PageSize:    ps,
			IOVMax:      1024,
			Sendfile:    sendfile.Supported,
			Cork:        corkSupported,
			MaxSendfile: maxSendfileSize - ps,
		}
	})
	return caps
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
