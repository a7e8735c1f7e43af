/*
Package fastio is the connection I/O core of a static-content server: it
moves bytes from buffers and files to non-blocking sockets without copying
when the platform allows it.

Features

  - Buffer and chain model: memory and file-range buffers linked through
    integer handles in a per-connection arena
  - Connection table with O(1) reuse and LRU eviction of idle keepalive
    connections
  - Accept mutex shared by worker loops (in-process or through a MAP_SHARED
    file) plus SO_REUSEPORT fan-out listeners
  - Output chain engine: zero-copy pass-through, bounded copy buffers,
    directio alignment
  - Transmission backend: writev and sendfile with TCP_CORK, optional
    thread-pool offload of file copies
  - Write filter: postponed small writes, rate limiting, chunked sendfile
  - I/O multiplexing: epoll (Linux) and kqueue (BSD/macOS)

Quick Start

	package main

	import (
	    "context"
	    "log"
	    "os"

	    "github.com/searchktools/fast-io/app"
	    "github.com/searchktools/fast-io/config"
	)

	func main() {
	    cfg, err := config.Load(os.Args[0], os.Args[1:])
	    if err != nil {
	        log.Fatal(err)
	    }
	    a, err := app.New(cfg)
	    if err != nil {
	        log.Fatal(err)
	    }
	    defer a.Close()
	    if err := a.Run(context.Background()); err != nil {
	        log.Fatal(err)
	    }
	}

Modules

  - app: worker fleet lifecycle
  - config: configuration loading (flags, YAML, JSON, FASTIO_* environment)
  - core: worker event loop
  - core/buf: buffers, arenas and chain utilities
  - core/conn: connections, listeners and the connection table
  - core/accept: listening sockets, accept mutex and coordinator
  - core/output: output chain engine
  - core/transmit: writev/sendfile transmission backend
  - core/writer: write filter
  - core/filter: filter chaining contract
  - core/poller: I/O multiplexing (epoll/kqueue)
  - core/pools: byte pool and offload worker pool
  - core/sendfile: kernel copy primitives and open-file cache
  - core/static: demo producer serving one file
  - core/observability: transfer monitoring
  - core/logging: zap logger construction
*/
package fastio
