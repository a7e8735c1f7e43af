package core

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/fast-io/core/accept"
	"github.com/searchktools/fast-io/core/pools"
)

// Stats is a snapshot of one worker loop, refreshed by the loop about once
// a second and readable from any goroutine.
type Stats struct {
	Worker    int       `json:"worker"`
	Taken     time.Time `json:"taken"`
	Iteration uint64    `json:"iteration"`

	Connections ConnectionStats `json:"connections"`
	Accept      accept.Stats    `json:"accept"`
	Deferred    int             `json:"deferred_closes"`
	Timers      int             `json:"timers"`

	Bytes   BytePoolStats     `json:"byte_pool"`
	Offload *OffloadPoolStats `json:"offload,omitempty"`
}

type ConnectionStats struct {
	Capacity int     `json:"capacity"`
	Active   int     `json:"active"`
	Reusable int     `json:"reusable"`
	Load     float64 `json:"load"`
	Gets     uint64  `json:"gets"`
	Puts     uint64  `json:"puts"`
	Evicted  uint64  `json:"evicted"`
	Refused  uint64  `json:"refused"`
}

type BytePoolStats struct {
	Gets   uint64 `json:"gets"`
	Puts   uint64 `json:"puts"`
	Misses uint64 `json:"misses"`
}

type OffloadPoolStats struct {
	Workers   int    `json:"workers"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Pending   uint64 `json:"pending"`
	Rejected  uint64 `json:"rejected"`
}

func (e *Engine) refreshStats(now time.Time) {
	ts := e.table.Stats()
	s := &Stats{
		Worker:    e.opts.Worker,
		Taken:     now,
		Iteration: e.iteration,
		Connections: ConnectionStats{
			Capacity: ts.Capacity,
			Active:   ts.Capacity - ts.Free,
			Reusable: ts.Reusable,
			Load:     e.table.Load(),
			Gets:     ts.Gets,
			Puts:     ts.Puts,
			Evicted:  ts.Evicted,
			Refused:  ts.Refused,
		},
		Accept:   e.coord.Stats(),
		Deferred: len(e.deferred),
		Timers:   len(e.timers),
	}

	bp := e.opts.Bytes
	if bp == nil {
		bp = pools.Default()
	}
	bs := bp.Stats()
	s.Bytes = BytePoolStats{Gets: bs.TotalGets, Puts: bs.TotalPuts, Misses: bs.Misses}

	if e.opts.Offload != nil {
		ws := e.opts.Offload.Stats()
		s.Offload = &OffloadPoolStats{
			Workers:   ws.NumWorkers,
			Submitted: ws.TasksSubmitted,
			Completed: ws.TasksCompleted,
			Pending:   ws.TasksPending,
			Rejected:  ws.TasksRejected,
		}
	}

	e.stats.Store(s)
	e.statsAt = now
}

// Stats returns the latest snapshot of the worker.
func (e *Engine) Stats() Stats {
	return *e.stats.Load()
}

// StatsJSON returns the latest snapshot as indented JSON.
func (e *Engine) StatsJSON() string {
	data, _ := json.MarshalIndent(e.Stats(), "", "  ")
	return string(data)
}

// StatsProto returns the latest snapshot as a protobuf Struct, for
// exporters that speak protobuf.
func (e *Engine) StatsProto() (*structpb.Struct, error) {
	data, err := json.Marshal(e.Stats())
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// StatsText returns the latest snapshot in human-readable form.
func (e *Engine) StatsText() string {
	s := e.Stats()
	text := fmt.Sprintf(`Worker %d
========

Connections:
  Active:   %d / %d (%.1f%%)
  Reusable: %d
  Evicted:  %d
  Refused:  %d

Accept:
  State:    %s
  Accepted: %d
  Aborted:  %d
  Pauses:   %d

Byte Pool:
  Gets:     %d
  Puts:     %d
  Misses:   %d
`,
		s.Worker,
		s.Connections.Active, s.Connections.Capacity, s.Connections.Load*100,
		s.Connections.Reusable, s.Connections.Evicted, s.Connections.Refused,
		s.Accept.State, s.Accept.Accepted, s.Accept.Aborted, s.Accept.Pauses,
		s.Bytes.Gets, s.Bytes.Puts, s.Bytes.Misses,
	)
	if s.Offload != nil {
		text += fmt.Sprintf(`
Offload:
  Workers:   %d
  Pending:   %d
  Rejected:  %d
`, s.Offload.Workers, s.Offload.Pending, s.Offload.Rejected)
	}
	return text
}
