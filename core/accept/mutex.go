// Package accept arbitrates which worker accepts new connections. A single
// compare-and-swap word, in process memory or in a shared file mapping,
// grants the right to have the shared listeners armed.
package accept

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-io/core/observability"
)

// ErrBadMapping is returned when a shared mutex file is too small to hold
// the lock word.
var ErrBadMapping = errors.New("accept: shared mutex mapping too small")

// Backoff shapes how Lock waits for a busy mutex: Spins tight re-checks,
// then Yields scheduler yields, then a Sleep before starting over.
type Backoff struct {
	Spins  int
	Yields int
	Sleep  time.Duration
}

// DefaultBackoff is tuned for a handful of workers on one host.
var DefaultBackoff = Backoff{Spins: 2048, Yields: 4, Sleep: time.Millisecond}

type lockWord struct {
	_    cpu.CacheLinePad
	word atomic.Uint64
	_    cpu.CacheLinePad
}

// Mutex is the accept mutex. The zero owner means unlocked; callers use
// Owner to build a distinct non-zero value per worker.
type Mutex struct {
	word *atomic.Uint64
	mem  []byte
	file *os.File

	lockedAt  atomic.Int64
	contended atomic.Bool

	Backoff Backoff
	Name    string
	Monitor *observability.Monitor
}

// Owner derives the lock value of worker w of process pid.
func Owner(pid, w int) uint64 {
	return uint64(pid)<<16 | uint64(w+1)&0xffff
}

// NewMutex returns a mutex shared by the goroutines of this process.
func NewMutex() *Mutex {
	lw := &lockWord{}
	return &Mutex{word: &lw.word, Backoff: DefaultBackoff, Name: "accept_mutex"}
}

// CreateSharedMutex creates path and maps the lock word from it. Processes
// that open the same file, or inherit it, contend on the same word.
func CreateSharedMutex(path string) (*Mutex, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create shared mutex: %w", err)
	}
	if err := f.Truncate(int64(os.Getpagesize())); err != nil {
		f.Close()
		return nil, fmt.Errorf("size shared mutex %q: %w", path, err)
	}
	m, err := mapMutex(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// OpenSharedMutex maps the lock word of an existing mutex file. The mutex
// takes ownership of f.
func OpenSharedMutex(f *os.File) (*Mutex, error) {
	return mapMutex(f)
}

func mapMutex(f *os.File) (*Mutex, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shared mutex: %w", err)
	}
	if st.Size() < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadMapping, st.Size())
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shared mutex: %w", err)
	}

	return &Mutex{
		word:    (*atomic.Uint64)(unsafe.Pointer(&mem[0])),
		mem:     mem,
		file:    f,
		Backoff: DefaultBackoff,
		Name:    "accept_mutex",
	}, nil
}

// File returns the backing file of a shared mutex, for handing to child
// processes. It is nil for an in-process mutex.
func (m *Mutex) File() *os.File { return m.file }

// TryLock takes the mutex for owner without waiting.
func (m *Mutex) TryLock(owner uint64) bool {
	if m.word.Load() == 0 && m.word.CompareAndSwap(0, owner) {
		m.lockedAt.Store(time.Now().UnixNano())
		return true
	}
	m.contended.Store(true)
	return false
}

// Lock waits until owner holds the mutex or ctx is done.
func (m *Mutex) Lock(ctx context.Context, owner uint64) error {
	b := m.Backoff
	for {
		if m.TryLock(owner) {
			return nil
		}

		for i := 0; i < b.Spins; i++ {
			if m.word.Load() == 0 && m.TryLock(owner) {
				return nil
			}
		}
		for i := 0; i < b.Yields; i++ {
			runtime.Gosched()
			if m.TryLock(owner) {
				return nil
			}
		}

		if b.Sleep <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		t := time.NewTimer(b.Sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Unlock releases the mutex if owner holds it.
func (m *Mutex) Unlock(owner uint64) bool {
	at := m.lockedAt.Load()
	if !m.word.CompareAndSwap(owner, 0) {
		return false
	}
	m.Monitor.RecordLock(m.Name, time.Duration(time.Now().UnixNano()-at), m.contended.Swap(false))
	return true
}

// ForceUnlock frees a mutex still held by owner after owner died.
func (m *Mutex) ForceUnlock(owner uint64) bool {
	return m.word.CompareAndSwap(owner, 0)
}

// Holder returns the current owner, zero when free.
func (m *Mutex) Holder() uint64 { return m.word.Load() }

// Close unmaps a shared mutex and closes its file.
func (m *Mutex) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	m.word = new(atomic.Uint64)
	if m.file != nil {
		err = multierr.Append(err, m.file.Close())
		m.file = nil
	}
	return err
}
