// Package pipeline turns raw upstream SSE bytes into the public Anthropic
// event schema. Stages are pull-based stream transforms chained over a
// shared per-request Context, so backpressure propagates from the client
// socket up to the upstream read.
package pipeline

import (
	"context"
	"io"

	"ccfleet/internal/claude"
)

// EventStream is a pull iterator over streaming events. Next returns io.EOF
// once the stream is exhausted. Close releases the upstream resources and is
// safe to call more than once.
type EventStream interface {
	Next(ctx context.Context) (*claude.Event, error)
	Close() error
}

// Stage transforms one stream into another, closed over the request context.
type Stage func(pc *Context, in EventStream) EventStream

// Chain applies stages in order.
func Chain(pc *Context, in EventStream, stages ...Stage) EventStream {
	out := in
	for _, stage := range stages {
		out = stage(pc, out)
	}
	return out
}

// sliceStream replays a fixed event list.
type sliceStream struct {
	events []*claude.Event
	pos    int
}

// FromEvents builds a stream over a fixed event list.
func FromEvents(events ...*claude.Event) EventStream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Next(ctx context.Context) (*claude.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

// funcStream adapts a pull function plus closer.
type funcStream struct {
	next  func(ctx context.Context) (*claude.Event, error)
	close func() error
}

func (s *funcStream) Next(ctx context.Context) (*claude.Event, error) { return s.next(ctx) }

func (s *funcStream) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// prependStream replays buffered events before resuming the tail.
type prependStream struct {
	head []*claude.Event
	pos  int
	tail EventStream
}

func (s *prependStream) Next(ctx context.Context) (*claude.Event, error) {
	if s.pos < len(s.head) {
		ev := s.head[s.pos]
		s.pos++
		return ev, nil
	}
	return s.tail.Next(ctx)
}

func (s *prependStream) Close() error { return s.tail.Close() }

// Drain pulls the stream to completion, discarding events. Used by the
// non-streaming path where the collector has already materialized the body.
func Drain(ctx context.Context, s EventStream) error {
	for {
		_, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
