package core

import (
	"errors"
	"time"
)

// Worker loop defaults
const (
	DefaultConnections = 1024
	DefaultReuseAfter  = 2 * time.Second

	// MaxWait bounds a single poll wait so timers and shutdown stay timely
	// when the accept coordinator does not bound it.
	MaxWait = 100 * time.Millisecond

	// ShutdownGrace is how long a stopping worker waits for offloaded
	// file copies that still hold sockets.
	ShutdownGrace = 5 * time.Second

	completionQueue = 256
	statsInterval   = time.Second
)

// Error definitions
var (
	ErrStopped  = errors.New("worker stopped")
	ErrNoEngine = errors.New("no worker engines configured")
)
