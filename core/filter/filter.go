// Package filter defines the contract between output-side stages: each
// stage receives a chain, does its work and hands the result to the next.
package filter

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/searchktools/fast-io/core/buf"
)

// Status is the non-error outcome of a filter call.
type Status int

const (
	// OK means everything handed in has been consumed downstream.
	OK Status = iota
	// Again means bytes remain buffered; call again with an empty chain
	// when the connection is writable.
	Again
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Again:
		return "again"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Filter consumes a chain. A Nil chain means "flush what you hold".
type Filter interface {
	Write(in buf.LinkID) (Status, error)
}

// Func adapts a function to Filter.
type Func func(in buf.LinkID) (Status, error)

func (f Func) Write(in buf.LinkID) (Status, error) { return f(in) }

// Body wraps the next filter in the pipeline.
type Body func(next Filter) Filter

// Pipeline composes body filters in registration order: the first Body
// added sees the chain first.
type Pipeline struct {
	bodies []Body
	length int
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		bodies: make([]Body, 0, 8),
	}
}

// Use appends a body filter.
func (p *Pipeline) Use(b Body) *Pipeline {
	p.bodies = append(p.bodies, b)
	p.length = len(p.bodies)
	return p
}

// Len reports the number of body filters.
func (p *Pipeline) Len() int { return p.length }

// Compile links the bodies in front of last and returns the head filter.
func (p *Pipeline) Compile(last Filter) Filter {
	head := last
	for i := p.length - 1; i >= 0; i-- {
		head = p.bodies[i](head)
	}
	return head
}

// Counter counts calls and bytes passing through to Next.
type Counter struct {
	Arena *buf.Arena
	Next  Filter

	Calls int
	Links int
	Bytes int64
}

func (c *Counter) Write(in buf.LinkID) (Status, error) {
	c.Calls++
	c.Links += c.Arena.Len(in)
	c.Bytes += c.Arena.Size(in)
	if c.Next == nil {
		return OK, nil
	}
	return c.Next.Write(in)
}

// Recover turns a panic in a downstream filter into an error so one bad
// connection cannot take the worker down.
func Recover(log *zap.Logger) Body {
	return func(next Filter) Filter {
		return Func(func(in buf.LinkID) (st Status, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("filter panic recovered", zap.Any("panic", r), zap.Stack("stack"))
					st, err = OK, fmt.Errorf("filter: panic: %v", r)
				}
			}()
			return next.Write(in)
		})
	}
}
