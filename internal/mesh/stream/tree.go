// Package stream refines an octree of mesh chunks on a background worker and hands
// finished chunks to the frame goroutine.
//
// Two goroutines take part: the worker (Run) and the frame goroutine that calls
// Enqueue, Refresh and Chunks. The chunk map belongs to the frame goroutine alone;
// the only shared state is the pair of channels between them.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"mandelmesh.io/internal/mesh/diag"
	"mandelmesh.io/internal/mesh/field"
	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/surfacenet"
)

var (
	ErrBacklogFull = errors.New("stream: refinement backlog full")
	ErrRunning     = errors.New("stream: worker already running")
)

type Config struct {
	Root       octree.Coord
	Resolution int
	// Backlog bounds the coordinates enqueued but not yet applied by Refresh.
	Backlog int
	Policy  SplitPolicy
	// SkipRootSplit leaves the work queue empty at construction, e.g. when the
	// chunks are restored from a snapshot instead.
	SkipRootSplit bool
}

func (c *Config) normalize() {
	if c.Backlog <= 0 {
		c.Backlog = 64
	}
	if c.Policy == nil {
		c.Policy = NoSplit{}
	}
}

// WorkerFault is returned by Run when extraction panics or fails. It is fatal to
// the tree; there is no restart.
type WorkerFault struct {
	Coord octree.Coord
	Value any
	Stack []byte
}

func (f *WorkerFault) Error() string {
	return fmt.Sprintf("stream worker fault at %s: %v", f.Coord, f.Value)
}

func (f *WorkerFault) Unwrap() error {
	err, _ := f.Value.(error)
	return err
}

// batch is one completed split: evict the parent, install the children.
type batch struct {
	evict  octree.Coord
	coords [8]octree.Coord
	chunks [8]*Chunk
}

type Tree struct {
	cfg   Config
	field field.Field
	sink  diag.Sink

	work    chan octree.Coord
	results chan batch

	// Frame goroutine only.
	chunks      map[octree.Coord]*Chunk
	outstanding int
	applied     uint64

	running     atomic.Bool
	fault       atomic.Pointer[WorkerFault]
	built       atomic.Uint64
	lastExtract atomic.Int64
	metrics     atomic.Pointer[Metrics]
}

func New(cfg Config, f field.Field, sink diag.Sink) (*Tree, error) {
	cfg.normalize()
	if cfg.Resolution < 3 {
		return nil, fmt.Errorf("%w (got %d)", surfacenet.ErrResolution, cfg.Resolution)
	}
	if !cfg.Root.Valid() {
		return nil, fmt.Errorf("stream: invalid root %s", cfg.Root)
	}
	if f == nil {
		return nil, errors.New("stream: nil field")
	}
	t := &Tree{
		cfg:     cfg,
		field:   f,
		sink:    diag.OrNop(sink),
		work:    make(chan octree.Coord, cfg.Backlog),
		results: make(chan batch, cfg.Backlog),
		chunks:  map[octree.Coord]*Chunk{},
	}
	if !cfg.SkipRootSplit {
		if err := t.Enqueue(cfg.Root); err != nil {
			return nil, err
		}
	}
	t.publishMetrics()
	return t, nil
}

func (t *Tree) Config() Config { return t.cfg }

// Err reports the worker fault, if any.
func (t *Tree) Err() error {
	if f := t.fault.Load(); f != nil {
		return f
	}
	return nil
}

// Enqueue schedules c to be split into its children. It never blocks. Frame
// goroutine only.
func (t *Tree) Enqueue(c octree.Coord) error {
	if err := t.Err(); err != nil {
		return err
	}
	if t.outstanding >= t.cfg.Backlog {
		return ErrBacklogFull
	}
	t.outstanding++
	t.work <- c
	return nil
}

// Run is the worker loop. It extracts the children of each dequeued coordinate in
// FIFO order and returns when ctx is done or extraction faults.
func (t *Tree) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer t.running.Store(false)
	if err := t.Err(); err != nil {
		return err
	}

	ws := surfacenet.NewWorkspace()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-t.work:
			b, err := t.split(ws, c)
			if err != nil {
				return err
			}
			// Never blocks: results has room for every outstanding coordinate.
			t.results <- b
		}
	}
}

func (t *Tree) split(ws *surfacenet.Workspace, parent octree.Coord) (b batch, err error) {
	cur := parent
	defer func() {
		if r := recover(); r != nil {
			err = t.faulted(cur, r, debug.Stack())
		}
	}()

	b.evict = parent
	b.coords = parent.Children()
	for i, c := range b.coords {
		cur = c
		m, xerr := surfacenet.Extract(ws, t.field.Estimate, t.field.Normal, c, t.cfg.Resolution)
		if xerr != nil {
			return batch{}, t.faulted(c, xerr, nil)
		}
		b.chunks[i] = NewChunk(c, m)
		t.built.Add(1)
		t.lastExtract.Store(int64(m.Stats.Total()))
		t.sink.Emit(diag.Event{
			Kind:     diag.Extracted,
			Coord:    c.String(),
			Indices:  len(m.Indices),
			Vertices: len(m.Positions),
			SampleMS: ms(m.Stats.Sample),
			QuadMS:   ms(m.Stats.Quad),
			NormalMS: ms(m.Stats.Normal),
		})
	}
	return b, nil
}

func (t *Tree) faulted(c octree.Coord, v any, stack []byte) error {
	f := &WorkerFault{Coord: c, Value: v, Stack: stack}
	t.fault.CompareAndSwap(nil, f)
	t.sink.Emit(diag.Event{Kind: diag.WorkerFault, Coord: c.String(), Err: fmt.Sprint(v)})
	return f
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// Refresh applies every completed batch without waiting for the worker. For each
// batch the parent chunk (if live) is evicted and disposed first; then each child
// replaces any chunk under its key, is passed to finalize and is installed.
// It returns the number of chunks installed. Frame goroutine only.
func (t *Tree) Refresh(finalize func(*Chunk)) int {
	installed := 0
	for {
		select {
		case b := <-t.results:
			installed += t.apply(b, finalize)
		default:
			t.publishMetrics()
			return installed
		}
	}
}

func (t *Tree) apply(b batch, finalize func(*Chunk)) int {
	t.outstanding--
	t.evict(b.evict)
	for i, c := range b.coords {
		t.install(c, b.chunks[i], finalize)
	}
	t.applied++
	t.sink.Emit(diag.Event{Kind: diag.BatchApplied, Coord: b.evict.String()})

	for _, c := range b.coords {
		ch := t.chunks[c]
		if ch == nil || !t.cfg.Policy.ShouldSplit(ch) {
			continue
		}
		if err := t.Enqueue(c); err != nil {
			// Backlog full: the node stays at its current depth.
			break
		}
	}
	return len(b.coords)
}

func (t *Tree) evict(c octree.Coord) {
	old, ok := t.chunks[c]
	if !ok {
		return
	}
	delete(t.chunks, c)
	old.Dispose()
	t.sink.Emit(diag.Event{Kind: diag.ChunkEvicted, Coord: c.String()})
}

func (t *Tree) install(c octree.Coord, ch *Chunk, finalize func(*Chunk)) {
	t.evict(c)
	if ch.Empty() {
		t.sink.Emit(diag.Event{Kind: diag.EmptyChunk, Coord: c.String()})
	}
	if finalize != nil {
		finalize(ch)
	}
	t.chunks[c] = ch
}

// Install places already-built chunks into the tree, e.g. after loading a
// snapshot. Frame goroutine only.
func (t *Tree) Install(chunks []*Chunk, finalize func(*Chunk)) {
	for _, ch := range chunks {
		t.install(ch.Coord, ch, finalize)
	}
	t.publishMetrics()
}

// Chunks returns the live chunks ordered by coordinate. Frame goroutine only.
func (t *Tree) Chunks() []*Chunk {
	out := make([]*Chunk, 0, len(t.chunks))
	for _, ch := range t.chunks {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return octree.Less(out[i].Coord, out[j].Coord) })
	return out
}

// Chunk looks up a live chunk. Frame goroutine only.
func (t *Tree) Chunk(c octree.Coord) (*Chunk, bool) {
	ch, ok := t.chunks[c]
	return ch, ok
}

func (t *Tree) Len() int     { return len(t.chunks) }
func (t *Tree) Pending() int { return t.outstanding }
