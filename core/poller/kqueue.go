//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

const wakeIdent = 0

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd     int
	events   []unix.Kevent_t
	out      []Event
	interest map[int]Interest
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	p := &KqueuePoller{
		kqfd:     kqfd,
		events:   make([]unix.Kevent_t, 1024),
		out:      make([]Event, 0, 1024),
		interest: make(map[int]Interest),
	}

	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kqfd, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	return p, nil
}

func (p *KqueuePoller) apply(fd int, from, to Interest) error {
	var changes [2]unix.Kevent_t
	n := 0
	for _, f := range []struct {
		bit    Interest
		filter int16
	}{{Read, unix.EVFILT_READ}, {Write, unix.EVFILT_WRITE}} {
		switch {
		case to&f.bit != 0 && from&f.bit == 0:
			// Level-triggered (no EV_CLEAR)
			changes[n] = unix.Kevent_t{Ident: uint64(fd), Filter: f.filter, Flags: unix.EV_ADD | unix.EV_ENABLE}
			n++
		case to&f.bit == 0 && from&f.bit != 0:
			changes[n] = unix.Kevent_t{Ident: uint64(fd), Filter: f.filter, Flags: unix.EV_DELETE}
			n++
		}
	}
	if n == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes[:n], nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, in Interest) error {
	if err := p.apply(fd, 0, in); err != nil {
		return err
	}
	p.interest[fd] = in
	return nil
}

// Mod replaces the interest set of fd
func (p *KqueuePoller) Mod(fd int, in Interest) error {
	if err := p.apply(fd, p.interest[fd], in); err != nil {
		return err
	}
	p.interest[fd] = in
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	err := p.apply(fd, p.interest[fd], 0)
	delete(p.interest, fd)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && err != unix.EINTR {
		return nil, err
	}

	out := p.out[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		if ev.Filter == unix.EVFILT_USER {
			continue
		}
		out = append(out, Event{
			Fd:       int(ev.Ident),
			Readable: ev.Filter == unix.EVFILT_READ,
			Writable: ev.Filter == unix.EVFILT_WRITE,
			Hangup:   ev.Flags&unix.EV_EOF != 0,
			Error:    ev.Flags&unix.EV_ERROR != 0,
		})
	}
	p.out = out
	return out, nil
}

// Wake interrupts Wait
func (p *KqueuePoller) Wake() error {
	ev := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
