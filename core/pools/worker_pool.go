package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func()

// WorkerPool runs blocking work (kernel file copies, disk reads) off the
// event loops. Each worker owns a bounded queue and steals from its
// neighbours when idle.
type WorkerPool struct {
	numWorkers int
	queues     []*workerQueue
	workers    []*worker

	mu     sync.RWMutex // guards queue sends against Close
	closed atomic.Bool
	wg     sync.WaitGroup
	next   atomic.Uint64

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
	}
}

// workerQueue is a bounded queue for a single worker
type workerQueue struct {
	tasks chan Task
	id    int
}

// worker represents a goroutine that processes tasks
type worker struct {
	id    int
	pool  *WorkerPool
	queue *workerQueue
}

// NewWorkerPool creates a pool of numWorkers threads with queueSize slots
// each. Zero values pick runtime.NumCPU() workers and 256 slots.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]*workerQueue, numWorkers),
		workers:    make([]*worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.queues[i] = &workerQueue{
			tasks: make(chan Task, queueSize),
			id:    i,
		}
	}

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:    i,
			pool:  pool,
			queue: pool.queues[i],
		}
		pool.workers[i] = w
		go w.run()
	}

	return pool
}

// Submit queues task without blocking. It returns false when the pool is
// closed or every queue it tried is full; the caller must then do the work
// itself or retry later. The task never runs on the caller's goroutine.
func (p *WorkerPool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		p.stats.tasksRejected.Add(1)
		return false
	}

	idx := int(p.next.Add(1) % uint64(p.numWorkers))
	for i := 0; i < 2 && i < p.numWorkers; i++ {
		select {
		case p.queues[(idx+i)%p.numWorkers].tasks <- task:
			p.stats.tasksSubmitted.Add(1)
			return true
		default:
		}
	}

	p.stats.tasksRejected.Add(1)
	return false
}

// worker.run is the main loop for a worker goroutine
func (w *worker) run() {
	defer w.pool.wg.Done()

	// Blocking syscalls should not stall other goroutines' Ps.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case task, ok := <-w.queue.tasks:
			if !ok {
				return
			}
			w.exec(task)
			continue
		default:
		}

		if w.trySteal() {
			continue
		}

		task, ok := <-w.queue.tasks
		if !ok {
			return
		}
		w.exec(task)
	}
}

func (w *worker) exec(task Task) {
	task()
	w.pool.stats.tasksCompleted.Add(1)
}

// trySteal attempts to steal work from another worker
func (w *worker) trySteal() bool {
	numWorkers := w.pool.numWorkers
	start := (w.id + 1) % numWorkers

	for i := 0; i < numWorkers-1; i++ {
		victim := w.pool.queues[(start+i)%numWorkers]

		select {
		case task, ok := <-victim.tasks:
			if ok {
				w.pool.stats.stealsSuccess.Add(1)
				w.exec(task)
				return true
			}
		default:
		}
	}

	w.pool.stats.stealsFailed.Add(1)
	return false
}

// Close stops accepting tasks, lets queued ones finish and waits for the
// workers to exit.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return
	}
	for _, q := range p.queues {
		close(q.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - completed,
		TasksRejected:  p.stats.tasksRejected.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	TasksRejected  uint64
	StealsSuccess  uint64
	StealsFailed   uint64
}
