package stream

import (
	"testing"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/surfacenet"
)

func TestChunk_DisposeRunsHooksOnceNewestFirst(t *testing.T) {
	ch := NewChunk(octree.Root, surfacenet.Mesh{})
	var order []int
	ch.OnDispose(func() { order = append(order, 1) })
	ch.OnDispose(nil)
	ch.OnDispose(func() { order = append(order, 2) })

	ch.Dispose()
	ch.Dispose()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("dispose order: %v", order)
	}
	if !ch.Disposed() {
		t.Fatalf("chunk should report disposed")
	}
}

func TestChunk_DigestTracksGeometry(t *testing.T) {
	m := surfacenet.Mesh{
		Positions: []r3.Vector{{X: 0}, {X: 1}, {Y: 1}},
		Normals:   []r3.Vector{{Z: 1}, {Z: 1}, {Z: 1}},
		Indices:   []uint32{0, 1, 2},
	}
	a := NewChunk(octree.Root, m)
	b := NewChunk(octree.Root.Children()[3], m)
	if a.Digest() != b.Digest() {
		t.Fatalf("digest must depend on geometry only")
	}
	if a.Empty() || a.Triangles() != 1 {
		t.Fatalf("empty=%v triangles=%d", a.Empty(), a.Triangles())
	}

	m2 := m
	m2.Indices = []uint32{0, 2, 1}
	if NewChunk(octree.Root, m2).Digest() == a.Digest() {
		t.Fatalf("winding change must change digest")
	}
	if NewChunk(octree.Root, surfacenet.Mesh{}).Digest() == a.Digest() {
		t.Fatalf("empty chunk digest collides")
	}
}

func TestPolicy_Distance(t *testing.T) {
	p := Distance{Eye: r3.Vector{}, Factor: 1.5, MaxDepth: 3}
	m := surfacenet.Mesh{Indices: []uint32{0, 0, 0}, Positions: []r3.Vector{{}}, Normals: []r3.Vector{{X: 1}}}

	near := NewChunk(octree.Coord{X: 1, Y: 1, Z: 1, Depth: 2}, m)
	if !p.ShouldSplit(near) {
		t.Fatalf("node next to the eye should split")
	}
	far := NewChunk(octree.Coord{X: 0, Y: 0, Z: 0, Depth: 2}, m)
	if p.ShouldSplit(far) {
		t.Fatalf("corner node should not split")
	}
	deep := NewChunk(octree.Coord{X: 3, Y: 3, Z: 3, Depth: 3}, m)
	if p.ShouldSplit(deep) {
		t.Fatalf("max depth reached")
	}
	if p.ShouldSplit(NewChunk(octree.Coord{X: 1, Y: 1, Z: 1, Depth: 2}, surfacenet.Mesh{})) {
		t.Fatalf("empty chunks never split")
	}
}
