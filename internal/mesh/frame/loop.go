// Package frame runs the tick loop that owns the streaming tree: it drains finished
// chunks once per tick, publishes them to viewers, records them in the index and
// hands periodic snapshots to a writer goroutine.
package frame

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/stream"
	"mandelmesh.io/internal/persistence/indexdb"
	"mandelmesh.io/internal/persistence/snapshot"
	"mandelmesh.io/internal/viewerproto"
)

type Config struct {
	TickRateHz         int
	SnapshotEveryTicks int
	MaxViewers         int
	// StartTick continues the tick count of a resumed snapshot.
	StartTick uint64

	Params viewerproto.WorldParams
	Field  snapshot.FieldV1
}

// ChunkIndex receives chunk lifecycle records. *indexdb.SQLiteIndex implements it.
type ChunkIndex interface {
	RecordChunk(rec indexdb.ChunkRecord)
	RecordEviction(coord string, tick uint64)
}

// ViewerJoinRequest registers a viewer. The loop owns Out from then on: it sends
// HELLO and the current chunk set, then CHUNK and CHUNK_REMOVE messages, and
// closes Out when the viewer leaves or falls behind.
type ViewerJoinRequest struct {
	SessionID string
	Out       chan []byte
	MaxDepth  int32
}

type viewer struct {
	id       string
	out      chan []byte
	maxDepth int32
}

func (v *viewer) accepts(depth int32) bool {
	return v.maxDepth <= 0 || depth <= v.maxDepth
}

type splitReq struct {
	coord octree.Coord
	resp  chan error
}

type snapshotResp struct {
	tick uint64
	err  error
}

type snapshotReq struct {
	resp chan snapshotResp
}

type Metrics struct {
	Tick             uint64  `json:"tick"`
	Viewers          int     `json:"viewers"`
	StepMS           float64 `json:"step_ms"`
	ViewersDropped   uint64  `json:"viewers_dropped"`
	SnapshotsQueued  uint64  `json:"snapshots_queued"`
	SnapshotsDropped uint64  `json:"snapshots_dropped"`
}

type Loop struct {
	cfg  Config
	tree *stream.Tree
	log  *log.Logger

	index        ChunkIndex
	snapshotSink chan<- snapshot.MeshSnapshotV1

	join   chan ViewerJoinRequest
	leave  chan string
	split  chan splitReq
	snapRq chan snapshotReq

	done     chan struct{}
	stopOnce sync.Once

	// Loop goroutine only.
	viewers map[string]*viewer
	encoded map[octree.Coord][]byte

	tick             atomic.Uint64
	stepNS           atomic.Int64
	viewerCount      atomic.Int64
	viewersDropped   atomic.Uint64
	snapshotsQueued  atomic.Uint64
	snapshotsDropped atomic.Uint64
}

func New(cfg Config, tree *stream.Tree, logger *log.Logger) *Loop {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 30
	}
	if cfg.MaxViewers <= 0 {
		cfg.MaxViewers = 32
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	l := &Loop{
		cfg:     cfg,
		tree:    tree,
		log:     logger,
		join:    make(chan ViewerJoinRequest, 64),
		leave:   make(chan string, 64),
		split:   make(chan splitReq, 16),
		snapRq:  make(chan snapshotReq, 4),
		done:    make(chan struct{}),
		viewers: map[string]*viewer{},
		encoded: map[octree.Coord][]byte{},
	}
	l.tick.Store(cfg.StartTick)
	return l
}

func (l *Loop) SetIndex(idx ChunkIndex) { l.index = idx }

func (l *Loop) SetSnapshotSink(ch chan<- snapshot.MeshSnapshotV1) { l.snapshotSink = ch }

func (l *Loop) Config() Config { return l.cfg }

func (l *Loop) ViewerJoin() chan<- ViewerJoinRequest { return l.join }
func (l *Loop) ViewerLeave() chan<- string           { return l.leave }

func (l *Loop) CurrentTick() uint64 { return l.tick.Load() }

// Done is closed once Run has returned and every viewer channel, including those of
// joins still queued, has been closed.
func (l *Loop) Done() <-chan struct{} { return l.done }

var errStopped = errors.New("frame loop stopped")

func (l *Loop) Metrics() Metrics {
	return Metrics{
		Tick:             l.tick.Load(),
		Viewers:          int(l.viewerCount.Load()),
		StepMS:           float64(l.stepNS.Load()) / 1e6,
		ViewersDropped:   l.viewersDropped.Load(),
		SnapshotsQueued:  l.snapshotsQueued.Load(),
		SnapshotsDropped: l.snapshotsDropped.Load(),
	}
}

// Bootstrap describes the world for GET /v1/bootstrap. Safe from any goroutine.
func (l *Loop) Bootstrap() viewerproto.BootstrapResponse {
	m := l.tree.Metrics()
	return viewerproto.BootstrapResponse{
		ProtocolVersion: viewerproto.Version,
		Tick:            l.tick.Load(),
		WorldParams:     l.cfg.Params,
		LiveChunks:      m.LiveChunks,
		Pending:         m.Outstanding,
	}
}

// FinalizeChunk is the finalizer used when chunks are installed outside the loop,
// e.g. when resuming from a snapshot before Run starts.
func (l *Loop) FinalizeChunk(ch *stream.Chunk) { l.finalize(ch) }

// RequestSplit asks the loop to re-split c into its children.
func (l *Loop) RequestSplit(ctx context.Context, c octree.Coord) error {
	if !c.Valid() {
		return fmt.Errorf("invalid coordinate %s", c)
	}
	resp := make(chan error, 1)
	select {
	case l.split <- splitReq{coord: c, resp: resp}:
	case <-l.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-l.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSnapshot asks the loop to hand a snapshot of the live chunks to the
// snapshot sink at the current tick.
func (l *Loop) RequestSnapshot(ctx context.Context) (uint64, error) {
	resp := make(chan snapshotResp, 1)
	select {
	case l.snapRq <- snapshotReq{resp: resp}:
	case <-l.done:
		return 0, errStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.tick, r.err
	case <-l.done:
		return 0, errStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run ticks until ctx is done or the tree reports a worker fault.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(l.cfg.TickRateHz))
	defer ticker.Stop()
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.join:
			l.handleJoin(req)
		case id := <-l.leave:
			l.dropViewer(id)
		case req := <-l.split:
			req.resp <- l.tree.Enqueue(req.coord)
		case req := <-l.snapRq:
			tick, err := l.queueSnapshot()
			req.resp <- snapshotResp{tick: tick, err: err}
		case <-ticker.C:
			if err := l.step(); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) step() error {
	start := time.Now()
	tick := l.tick.Add(1)
	l.tree.Refresh(l.finalize)
	if every := uint64(l.cfg.SnapshotEveryTicks); every > 0 && tick%every == 0 {
		if _, err := l.queueSnapshot(); err != nil {
			l.log.Printf("snapshot at tick %d: %v", tick, err)
		}
	}
	l.stepNS.Store(int64(time.Since(start)))
	return l.tree.Err()
}

func (l *Loop) finalize(ch *stream.Chunk) {
	tick := l.tick.Load()
	coord := ch.Coord
	key := coord.String()

	if l.index != nil {
		digest := ch.Digest()
		l.index.RecordChunk(indexdb.ChunkRecord{
			Coord:    key,
			X:        coord.X,
			Y:        coord.Y,
			Z:        coord.Z,
			Depth:    coord.Depth,
			Tick:     tick,
			Indices:  len(ch.Indices),
			Vertices: len(ch.Positions),
			Digest:   digest,
			SampleMS: ms(ch.Stats.Sample),
			QuadMS:   ms(ch.Stats.Quad),
			NormalMS: ms(ch.Stats.Normal),
		})
	}
	evicted := func() {
		if l.index != nil {
			l.index.RecordEviction(key, l.tick.Load())
		}
	}
	if ch.Empty() {
		ch.OnDispose(evicted)
		return
	}

	b, err := json.Marshal(chunkMsg(tick, ch))
	if err != nil {
		l.log.Printf("encode chunk %s: %v", key, err)
		ch.OnDispose(evicted)
		return
	}
	l.encoded[coord] = b
	l.broadcast(coord.Depth, b)

	ch.OnDispose(func() {
		delete(l.encoded, coord)
		rm, _ := json.Marshal(viewerproto.ChunkRemoveMsg{
			Type:            viewerproto.TypeChunkRemove,
			ProtocolVersion: viewerproto.Version,
			Tick:            l.tick.Load(),
			Coord:           key,
		})
		l.broadcast(coord.Depth, rm)
		evicted()
	})
}

func chunkMsg(tick uint64, ch *stream.Chunk) viewerproto.ChunkMsg {
	d := ch.Digest()
	return viewerproto.ChunkMsg{
		Type:            viewerproto.TypeChunk,
		ProtocolVersion: viewerproto.Version,
		Tick:            tick,
		Coord:           ch.Coord.String(),
		Depth:           ch.Coord.Depth,
		Positions:       viewerproto.Flatten(ch.Positions),
		Normals:         viewerproto.Flatten(ch.Normals),
		Indices:         ch.Indices,
		Digest:          hex.EncodeToString(d[:]),
	}
}

func (l *Loop) handleJoin(req ViewerJoinRequest) {
	if req.Out == nil || req.SessionID == "" {
		return
	}
	if _, dup := l.viewers[req.SessionID]; dup {
		close(req.Out)
		return
	}
	if len(l.viewers) >= l.cfg.MaxViewers {
		b, _ := json.Marshal(viewerproto.ErrorMsg{
			Type:            viewerproto.TypeError,
			ProtocolVersion: viewerproto.Version,
			Code:            viewerproto.ErrBusy,
			Message:         "too many viewers",
		})
		trySend(req.Out, b)
		close(req.Out)
		return
	}

	v := &viewer{id: req.SessionID, out: req.Out, maxDepth: req.MaxDepth}
	var initial [][]byte
	for _, ch := range l.tree.Chunks() {
		if b, ok := l.encoded[ch.Coord]; ok && v.accepts(ch.Coord.Depth) {
			initial = append(initial, b)
		}
	}
	hello, _ := json.Marshal(viewerproto.HelloMsg{
		Type:            viewerproto.TypeHello,
		ProtocolVersion: viewerproto.Version,
		SessionID:       v.id,
		Tick:            l.tick.Load(),
		WorldParams:     l.cfg.Params,
		Chunks:          len(initial),
	})

	l.viewers[v.id] = v
	l.viewerCount.Store(int64(len(l.viewers)))
	if !trySend(v.out, hello) {
		l.lagged(v)
		return
	}
	for _, b := range initial {
		if !trySend(v.out, b) {
			l.lagged(v)
			return
		}
	}
	l.log.Printf("viewer %s joined (max_depth=%d, chunks=%d)", v.id, v.maxDepth, len(initial))
}

func (l *Loop) broadcast(depth int32, b []byte) {
	for _, v := range l.viewers {
		if !v.accepts(depth) {
			continue
		}
		if !trySend(v.out, b) {
			l.lagged(v)
		}
	}
}

func (l *Loop) lagged(v *viewer) {
	l.viewersDropped.Add(1)
	l.log.Printf("viewer %s fell behind; disconnecting", v.id)
	l.dropViewer(v.id)
}

func (l *Loop) dropViewer(id string) {
	v, ok := l.viewers[id]
	if !ok {
		return
	}
	delete(l.viewers, id)
	close(v.out)
	l.viewerCount.Store(int64(len(l.viewers)))
}

// stop closes every viewer, then the channels of joins that arrived too late to be
// served, then done. Joins sent after done is closed are the sender's to clean up.
func (l *Loop) stop() {
	l.stopOnce.Do(func() {
		for id := range l.viewers {
			l.dropViewer(id)
		}
	drain:
		for {
			select {
			case req := <-l.join:
				if req.Out != nil {
					close(req.Out)
				}
			default:
				break drain
			}
		}
		close(l.done)
	})
}

var errNoSnapshotSink = errors.New("snapshot sink not configured")

func (l *Loop) queueSnapshot() (uint64, error) {
	tick := l.tick.Load()
	if l.snapshotSink == nil {
		return tick, errNoSnapshotSink
	}
	snap := l.ExportSnapshot()
	select {
	case l.snapshotSink <- snap:
		l.snapshotsQueued.Add(1)
		return tick, nil
	default:
		l.snapshotsDropped.Add(1)
		return tick, errors.New("snapshot writer busy")
	}
}

// ExportSnapshot copies the live chunk set. Loop goroutine only.
func (l *Loop) ExportSnapshot() snapshot.MeshSnapshotV1 {
	cfg := l.tree.Config()
	chunks := l.tree.Chunks()
	snap := snapshot.MeshSnapshotV1{
		Header:     snapshot.Header{Version: snapshot.Version, Tick: l.tick.Load(), Chunks: len(chunks)},
		Resolution: cfg.Resolution,
		Root:       EncodeCoord(cfg.Root),
		Field:      l.cfg.Field,
		Chunks:     make([]snapshot.ChunkV1, 0, len(chunks)),
	}
	for _, ch := range chunks {
		snap.Chunks = append(snap.Chunks, EncodeChunk(ch))
	}
	return snap
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
