package conn

// Handler is invoked once per accepted connection after it is fully
// initialized and registered with the event loop.
type Handler func(c *Connection)

// Listener is a bound, listening socket.
type Listener struct {
	Network string
	Addr    string
	Fd      int

	Backlog int
	RcvBuf  int
	SndBuf  int

	// ReusePort listeners give every worker its own socket and are not
	// arbitrated by the accept mutex.
	ReusePort bool

	KeepAlive bool
	NoDelay   bool
	Sendfile  bool

	Handler Handler

	// Worker is the index of the worker that owns a ReusePort clone.
	Worker    int
	Inherited bool

	Accept Event
}

// Exempt reports whether the listener bypasses the accept mutex.
func (ls *Listener) Exempt() bool { return ls.ReusePort }
