// Package diag carries advisory diagnostics out of the mesher.
//
// The distance field, the extractor and the streaming tree never log directly; they emit
// Events into a Sink handed to them at construction. Sinks must be safe for concurrent use
// because both the worker goroutine and the frame loop emit.
package diag

import (
	"fmt"
	"log"
	"sync/atomic"
)

type Kind string

const (
	NaNDistance      Kind = "NAN_DISTANCE"
	DegenerateNormal Kind = "DEGENERATE_NORMAL"
	Extracted        Kind = "EXTRACTED"
	EmptyChunk       Kind = "EMPTY_CHUNK"
	BatchApplied     Kind = "BATCH_APPLIED"
	ChunkEvicted     Kind = "CHUNK_EVICTED"
	WorkerFault      Kind = "WORKER_FAULT"
)

type Event struct {
	Kind  Kind       `json:"kind"`
	Coord string     `json:"coord,omitempty"`
	Point *[3]float64 `json:"point,omitempty"`

	Indices  int     `json:"indices,omitempty"`
	Vertices int     `json:"vertices,omitempty"`
	SampleMS float64 `json:"sample_ms,omitempty"`
	QuadMS   float64 `json:"quad_ms,omitempty"`
	NormalMS float64 `json:"normal_ms,omitempty"`

	Err string `json:"err,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case NaNDistance, DegenerateNormal:
		if e.Point == nil {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s at (%g, %g, %g)", e.Kind, e.Point[0], e.Point[1], e.Point[2])
	case Extracted:
		return fmt.Sprintf("%s %s inds:%-10d verts:%-10d sample:%-10.2f quad_find:%-10.2f normal_gen:%-10.2f",
			e.Kind, e.Coord, e.Indices, e.Vertices, e.SampleMS, e.QuadMS, e.NormalMS)
	case WorkerFault:
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Coord, e.Err)
	default:
		if e.Coord != "" {
			return fmt.Sprintf("%s %s", e.Kind, e.Coord)
		}
		return string(e.Kind)
	}
}

type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards everything.
var Nop Sink = nop{}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Logger writes one line per event.
func Logger(l *log.Logger) Sink {
	if l == nil {
		return Nop
	}
	return SinkFunc(func(e Event) { l.Print(e.String()) })
}

// Multi fans an event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range out {
			s.Emit(e)
		}
	})
}

// Drop forwards everything except the listed kinds.
func Drop(s Sink, kinds ...Kind) Sink {
	skip := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		skip[k] = true
	}
	return SinkFunc(func(e Event) {
		if !skip[e.Kind] {
			s.Emit(e)
		}
	})
}

// Counter counts events by kind; used by tests and the /admin state endpoint.
type Counter struct {
	nan     atomic.Uint64
	normal  atomic.Uint64
	extract atomic.Uint64
	empty   atomic.Uint64
	applied atomic.Uint64
	evicted atomic.Uint64
	faults  atomic.Uint64
}

func (c *Counter) Emit(e Event) {
	switch e.Kind {
	case NaNDistance:
		c.nan.Add(1)
	case DegenerateNormal:
		c.normal.Add(1)
	case Extracted:
		c.extract.Add(1)
	case EmptyChunk:
		c.empty.Add(1)
	case BatchApplied:
		c.applied.Add(1)
	case ChunkEvicted:
		c.evicted.Add(1)
	case WorkerFault:
		c.faults.Add(1)
	}
}

func (c *Counter) Count(k Kind) uint64 {
	switch k {
	case NaNDistance:
		return c.nan.Load()
	case DegenerateNormal:
		return c.normal.Load()
	case Extracted:
		return c.extract.Load()
	case EmptyChunk:
		return c.empty.Load()
	case BatchApplied:
		return c.applied.Load()
	case ChunkEvicted:
		return c.evicted.Load()
	case WorkerFault:
		return c.faults.Load()
	}
	return 0
}
