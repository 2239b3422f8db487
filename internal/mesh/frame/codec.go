package frame

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/field"
	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/stream"
	"mandelmesh.io/internal/mesh/surfacenet"
	"mandelmesh.io/internal/persistence/snapshot"
)

var ErrDigest = errors.New("frame: chunk digest mismatch")

func EncodeCoord(c octree.Coord) snapshot.CoordV1 {
	return snapshot.CoordV1{X: c.X, Y: c.Y, Z: c.Z, Depth: c.Depth}
}

func DecodeCoord(c snapshot.CoordV1) octree.Coord {
	return octree.Coord{X: c.X, Y: c.Y, Z: c.Z, Depth: c.Depth}
}

func EncodeField(p field.Params) snapshot.FieldV1 {
	return snapshot.FieldV1{
		FoldingLimit: p.FoldingLimit,
		FixedRadius2: p.FixedRadius2,
		MinRadius2:   p.MinRadius2,
		Scale:        p.Scale,
		Bailout:      p.Bailout,
		MaxIters:     p.MaxIters,
	}
}

func EncodeChunk(ch *stream.Chunk) snapshot.ChunkV1 {
	return snapshot.ChunkV1{
		Coord:     EncodeCoord(ch.Coord),
		Positions: flatten(ch.Positions),
		Normals:   flatten(ch.Normals),
		Indices:   append([]uint32(nil), ch.Indices...),
		Digest:    ch.Digest(),
	}
}

// DecodeChunk rebuilds a chunk and checks its geometry against the stored digest.
func DecodeChunk(c snapshot.ChunkV1) (*stream.Chunk, error) {
	coord := DecodeCoord(c.Coord)
	if !coord.Valid() {
		return nil, fmt.Errorf("chunk %s: invalid coordinate", coord)
	}
	if len(c.Positions)%3 != 0 || len(c.Normals) != len(c.Positions) {
		return nil, fmt.Errorf("chunk %s: %d position and %d normal components", coord, len(c.Positions), len(c.Normals))
	}
	if len(c.Indices)%3 != 0 {
		return nil, fmt.Errorf("chunk %s: %d indices", coord, len(c.Indices))
	}
	nverts := uint32(len(c.Positions) / 3)
	for _, i := range c.Indices {
		if i >= nverts {
			return nil, fmt.Errorf("chunk %s: index %d out of range (%d vertices)", coord, i, nverts)
		}
	}
	ch := stream.NewChunk(coord, surfacenet.Mesh{
		Positions: unflatten(c.Positions),
		Normals:   unflatten(c.Normals),
		Indices:   c.Indices,
	})
	if ch.Digest() != c.Digest {
		return nil, fmt.Errorf("%w at %s", ErrDigest, coord)
	}
	return ch, nil
}

// DecodeSnapshot rebuilds every chunk of snap.
func DecodeSnapshot(snap snapshot.MeshSnapshotV1) ([]*stream.Chunk, error) {
	out := make([]*stream.Chunk, 0, len(snap.Chunks))
	seen := make(map[octree.Coord]bool, len(snap.Chunks))
	for _, c := range snap.Chunks {
		ch, err := DecodeChunk(c)
		if err != nil {
			return nil, err
		}
		if seen[ch.Coord] {
			return nil, fmt.Errorf("chunk %s: duplicate", ch.Coord)
		}
		seen[ch.Coord] = true
		out = append(out, ch)
	}
	return out, nil
}

func flatten(vs []r3.Vector) []float64 {
	if len(vs) == 0 {
		return nil
	}
	out := make([]float64, 0, len(vs)*3)
	for _, v := range vs {
		out = append(out, v.X, v.Y, v.Z)
	}
	return out
}

func unflatten(fs []float64) []r3.Vector {
	if len(fs) == 0 {
		return nil
	}
	out := make([]r3.Vector, len(fs)/3)
	for i := range out {
		out[i] = r3.Vector{X: fs[3*i], Y: fs[3*i+1], Z: fs[3*i+2]}
	}
	return out
}
