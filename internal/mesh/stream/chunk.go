package stream

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/surfacenet"
)

// Chunk is the extracted mesh of one octree node.
//
// A chunk is built on the worker goroutine and is handed to the frame goroutine
// through the results channel; from then on only the frame goroutine touches it.
// An empty chunk (no indices) is a normal outcome and must be skipped by finalizers.
type Chunk struct {
	Coord     octree.Coord
	Positions []r3.Vector
	Normals   []r3.Vector
	Indices   []uint32
	Stats     surfacenet.Stats

	digest   [32]byte
	release  []func()
	disposed bool
}

func NewChunk(c octree.Coord, m surfacenet.Mesh) *Chunk {
	ch := &Chunk{
		Coord:     c,
		Positions: m.Positions,
		Normals:   m.Normals,
		Indices:   m.Indices,
		Stats:     m.Stats,
	}
	ch.digest = geometryDigest(ch.Positions, ch.Normals, ch.Indices)
	return ch
}

func (c *Chunk) Empty() bool    { return len(c.Indices) == 0 }
func (c *Chunk) Triangles() int { return len(c.Indices) / 3 }
func (c *Chunk) Digest() [32]byte {
	return c.digest
}

// OnDispose registers fn to run when the chunk is evicted. Finalizers use it to
// free whatever they allocated for the chunk.
func (c *Chunk) OnDispose(fn func()) {
	if fn == nil {
		return
	}
	c.release = append(c.release, fn)
}

// Dispose runs the registered release hooks once, newest first.
func (c *Chunk) Dispose() {
	if c.disposed {
		return
	}
	c.disposed = true
	for i := len(c.release) - 1; i >= 0; i-- {
		c.release[i]()
	}
	c.release = nil
}

func (c *Chunk) Disposed() bool { return c.disposed }

func geometryDigest(pos, norm []r3.Vector, idx []uint32) [32]byte {
	h := sha256.New()
	var tmp [8]byte
	putVecs := func(vs []r3.Vector) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(vs)))
		h.Write(tmp[:])
		for _, v := range vs {
			for _, f := range [3]float64{v.X, v.Y, v.Z} {
				binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
				h.Write(tmp[:])
			}
		}
	}
	putVecs(pos)
	putVecs(norm)
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(idx)))
	h.Write(tmp[:])
	for _, i := range idx {
		binary.LittleEndian.PutUint32(tmp[:4], i)
		h.Write(tmp[:4])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
