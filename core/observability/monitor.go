// Package observability records what the I/O core does to the kernel:
// per-operation counts, bytes, latency distribution and would-block ratio,
// plus accept-mutex contention. A periodic pass flags bottlenecks.
package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Result classifies one operation.
type Result uint8

const (
	OK Result = iota
	WouldBlock
	Failed
)

// Operation names used by the core.
const (
	OpWritev          = "writev"
	OpSendfile        = "sendfile"
	OpSendfileOffload = "sendfile_offload"
	OpPread           = "pread"
	OpAccept          = "accept"
)

const numBuckets = 10

// bucket upper bounds
var bucketBounds = [numBuckets - 1]time.Duration{
	10 * time.Microsecond,
	50 * time.Microsecond,
	100 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
}

// OpMetrics stores per-operation counters
type OpMetrics struct {
	Name          string
	Count         atomic.Uint64
	Bytes         atomic.Uint64
	WouldBlock    atomic.Uint64
	Errors        atomic.Uint64
	TotalDuration atomic.Uint64
	MinDuration   atomic.Uint64
	MaxDuration   atomic.Uint64

	latencyBuckets [numBuckets]atomic.Uint64
}

// LockMetrics tracks acquisition of a shared lock
type LockMetrics struct {
	Name      string
	Acquired  atomic.Uint64
	Contended atomic.Uint64
	HoldTime  atomic.Uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type       string
	Location   string
	Severity   int
	Impact     float64
	DetectedAt time.Time
	Details    string
}

// Monitor aggregates transfer metrics. The zero value is not usable; call
// NewMonitor. All methods are safe for concurrent use.
type Monitor struct {
	enabled atomic.Bool
	ops     sync.Map // string -> *OpMetrics
	locks   sync.Map // string -> *LockMetrics

	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex
}

// NewMonitor creates an enabled monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.enabled.Store(true)
	return m
}

func (m *Monitor) Enable()  { m.enabled.Store(true) }
func (m *Monitor) Disable() { m.enabled.Store(false) }

// Record accounts one operation. A nil monitor is a no-op.
func (m *Monitor) Record(op string, n int64, d time.Duration, res Result) {
	if m == nil || !m.enabled.Load() {
		return
	}

	val, ok := m.ops.Load(op)
	if !ok {
		val, _ = m.ops.LoadOrStore(op, &OpMetrics{Name: op})
	}
	om := val.(*OpMetrics)

	om.Count.Add(1)
	if n > 0 {
		om.Bytes.Add(uint64(n))
	}
	switch res {
	case WouldBlock:
		om.WouldBlock.Add(1)
	case Failed:
		om.Errors.Add(1)
	}

	ns := uint64(d.Nanoseconds())
	om.TotalDuration.Add(ns)
	updateMinMax(om, ns)
	om.latencyBuckets[bucketFor(d)].Add(1)
}

// RecordLock accounts one lock acquisition.
func (m *Monitor) RecordLock(name string, hold time.Duration, contended bool) {
	if m == nil || !m.enabled.Load() {
		return
	}
	val, ok := m.locks.Load(name)
	if !ok {
		val, _ = m.locks.LoadOrStore(name, &LockMetrics{Name: name})
	}
	lm := val.(*LockMetrics)
	lm.Acquired.Add(1)
	if contended {
		lm.Contended.Add(1)
	}
	lm.HoldTime.Add(uint64(hold.Nanoseconds()))
}

func updateMinMax(m *OpMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func bucketFor(d time.Duration) int {
	for i, b := range bucketBounds {
		if d < b {
			return i
		}
	}
	return numBuckets - 1
}

// Run re-evaluates bottlenecks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.enabled.Load() {
			continue
		}
		b := m.detectBottlenecks()
		m.bottleneckMu.Lock()
		m.bottlenecks = b
		m.bottleneckMu.Unlock()
	}
}

func (m *Monitor) detectBottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)
	now := time.Now()

	m.ops.Range(func(_, value any) bool {
		om := value.(*OpMetrics)
		count := om.Count.Load()
		if count == 0 {
			return true
		}

		avg := time.Duration(om.TotalDuration.Load() / count)
		if avg > time.Millisecond {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "latency",
				Location:   om.Name,
				Severity:   8,
				Impact:     float64(avg) / float64(time.Millisecond),
				DetectedAt: now,
				Details:    fmt.Sprintf("slow kernel calls (%v avg)", avg),
			})
		}

		if errs := om.Errors.Load(); errs > 0 && float64(errs)/float64(count) > 0.05 {
			rate := float64(errs) / float64(count) * 100
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Location:   om.Name,
				Severity:   10,
				Impact:     rate,
				DetectedAt: now,
				Details:    fmt.Sprintf("%.1f%% error rate", rate),
			})
		}

		if wb := om.WouldBlock.Load(); count >= 100 && float64(wb)/float64(count) > 0.5 {
			rate := float64(wb) / float64(count) * 100
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "backpressure",
				Location:   om.Name,
				Severity:   5,
				Impact:     rate,
				DetectedAt: now,
				Details:    fmt.Sprintf("%.1f%% of calls would block", rate),
			})
		}
		return true
	})

	m.locks.Range(func(_, value any) bool {
		lm := value.(*LockMetrics)
		acq := lm.Acquired.Load()
		if acq >= 100 && float64(lm.Contended.Load())/float64(acq) > 0.5 {
			rate := float64(lm.Contended.Load()) / float64(acq) * 100
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "contention",
				Location:   lm.Name,
				Severity:   6,
				Impact:     rate,
				DetectedAt: now,
				Details:    fmt.Sprintf("%.1f%% of acquisitions contended", rate),
			})
		}
		return true
	})

	return bottlenecks
}

// GetBottlenecks returns detected bottlenecks
func (m *Monitor) GetBottlenecks() []Bottleneck {
	m.bottleneckMu.RLock()
	defer m.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, m.bottlenecks...)
}

// OpSnapshot is a point-in-time copy of OpMetrics.
type OpSnapshot struct {
	Name       string             `json:"name"`
	Count      uint64             `json:"count"`
	Bytes      uint64             `json:"bytes"`
	WouldBlock uint64             `json:"would_block"`
	Errors     uint64             `json:"errors"`
	Avg        time.Duration      `json:"avg_ns"`
	Min        time.Duration      `json:"min_ns"`
	Max        time.Duration      `json:"max_ns"`
	Buckets    [numBuckets]uint64 `json:"buckets"`
}

// Snapshot returns per-operation metrics sorted by name.
func (m *Monitor) Snapshot() []OpSnapshot {
	var out []OpSnapshot
	m.ops.Range(func(_, value any) bool {
		om := value.(*OpMetrics)
		s := OpSnapshot{
			Name:       om.Name,
			Count:      om.Count.Load(),
			Bytes:      om.Bytes.Load(),
			WouldBlock: om.WouldBlock.Load(),
			Errors:     om.Errors.Load(),
			Min:        time.Duration(om.MinDuration.Load()),
			Max:        time.Duration(om.MaxDuration.Load()),
		}
		if s.Count > 0 {
			s.Avg = time.Duration(om.TotalDuration.Load() / s.Count)
		}
		for i := range om.latencyBuckets {
			s.Buckets[i] = om.latencyBuckets[i].Load()
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Op returns the snapshot for one operation.
func (m *Monitor) Op(name string) (OpSnapshot, bool) {
	for _, s := range m.Snapshot() {
		if s.Name == name {
			return s, true
		}
	}
	return OpSnapshot{}, false
}
