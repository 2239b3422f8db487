// Package surfacenet extracts a triangle mesh from a sampled distance field.
//
// One vertex is placed per grid cell whose corners do not all share a sign, at the
// centre of mass of the cell's edge crossings. Faces connect the vertices of the four
// cells around every grid edge that crosses the surface.
// See https://0fps.net/2012/07/12/smooth-voxel-terrain-part-2/.
package surfacenet

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/field"
	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/vec"
)

var ErrResolution = errors.New("surfacenet: resolution must be at least 3")

// noVertex marks a cell without a vertex.
const noVertex int32 = -1

type Stats struct {
	Sample time.Duration
	Quad   time.Duration
	Normal time.Duration
}

func (s Stats) Total() time.Duration { return s.Sample + s.Quad + s.Normal }

// Mesh is an indexed triangle list. Positions and Normals are parallel.
type Mesh struct {
	Indices   []uint32
	Positions []r3.Vector
	Normals   []r3.Vector
	Stats     Stats
}

func (m Mesh) Triangles() int { return len(m.Indices) / 3 }

// Workspace is the scratch storage for Extract. It is reused across calls and is
// not safe for concurrent use.
type Workspace struct {
	res       int
	grid      []float64
	verts     []int32
	indices   []uint32
	positions []r3.Vector
	normals   []r3.Vector
}

func NewWorkspace() *Workspace { return &Workspace{} }

func (ws *Workspace) reset(res int) {
	ws.res = res
	ws.grid = resize(ws.grid, res*res*res)
	ws.verts = resize(ws.verts, (res-1)*(res-1)*(res-1))
	ws.indices = ws.indices[:0]
	ws.positions = ws.positions[:0]
	ws.normals = ws.normals[:0]
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

func (ws *Workspace) at(x, y, z int) float64 {
	return ws.grid[x+ws.res*(y+ws.res*z)]
}

func (ws *Workspace) vert(x, y, z int) uint32 {
	n := ws.res - 1
	return uint32(ws.verts[x+n*(y+n*z)])
}

// edges lists the 12 cube edges as (start, end) corner offsets.
var edges = [12][2][3]int{
	{{0, 0, 0}, {1, 0, 0}},
	{{0, 0, 0}, {0, 1, 0}},
	{{0, 0, 0}, {0, 0, 1}},

	{{1, 0, 0}, {1, 1, 0}},
	{{1, 0, 0}, {1, 0, 1}},

	{{0, 1, 0}, {1, 1, 0}},
	{{0, 1, 0}, {0, 1, 1}},

	{{0, 0, 1}, {1, 0, 1}},
	{{0, 0, 1}, {0, 1, 1}},

	{{1, 1, 0}, {1, 1, 1}},
	{{1, 0, 1}, {1, 1, 1}},
	{{0, 1, 1}, {1, 1, 1}},
}

// FindEdge returns where the field crosses zero along the edge d1->d2, in cell-local
// [0,1]^3 coordinates. v1 and v2 are the field values at d1 and d2. It reports false
// when both ends are on the same side (value <= 0 counts as inside).
func FindEdge(v1, v2 float64, d1, d2 r3.Vector) (r3.Vector, bool) {
	if (v1 <= 0) == (v2 <= 0) {
		return r3.Vector{}, false
	}
	// 0 = (v2 - v1) * t + v1  =>  t = v1 / (v1 - v2)
	t := v1 / (v1 - v2)
	return d1.Mul(1 - t).Add(d2.Mul(t)), true
}

func offset(o [3]int) r3.Vector {
	return r3.Vector{X: float64(o[0]), Y: float64(o[1]), Z: float64(o[2])}
}

// Extract samples dist over coord's node at the given resolution and returns the
// surface mesh. The result never aliases ws.
func Extract(ws *Workspace, dist field.Func, normal field.NormalFunc, coord octree.Coord, resolution int) (Mesh, error) {
	if resolution < 3 {
		return Mesh{}, fmt.Errorf("%w (got %d)", ErrResolution, resolution)
	}
	if ws == nil {
		ws = NewWorkspace()
	}
	res := resolution
	ws.reset(res)
	start := time.Now()

	inv := float64(res - 2)
	subtract := coord.ScaleLocalToGlobal(1.0/float64(res)) * 2

	i := 0
	for z := 0; z < res; z++ {
		for y := 0; y < res; y++ {
			for x := 0; x < res; x++ {
				p := coord.TransformLocalToGlobal(vec.Div(vec.New(float64(x), float64(y), float64(z)), inv))
				ws.grid[i] = dist(p) - subtract
				i++
			}
		}
	}
	sampled := time.Now()

	ws.placeVertices(coord, inv)
	ws.emitFaces()
	quads := time.Now()

	for _, p := range ws.positions {
		ws.normals = append(ws.normals, normal(p))
	}
	done := time.Now()

	m := Mesh{
		Indices:   append(make([]uint32, 0, len(ws.indices)), ws.indices...),
		Positions: append(make([]r3.Vector, 0, len(ws.positions)), ws.positions...),
		Normals:   append(make([]r3.Vector, 0, len(ws.normals)), ws.normals...),
		Stats: Stats{
			Sample: sampled.Sub(start),
			Quad:   quads.Sub(sampled),
			Normal: done.Sub(quads),
		},
	}
	return m, nil
}

func (ws *Workspace) placeVertices(coord octree.Coord, inv float64) {
	n := ws.res - 1
	i := 0
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				count := 0
				var sum r3.Vector
				for _, e := range edges {
					a, b := e[0], e[1]
					v1 := ws.at(x+a[0], y+a[1], z+a[2])
					v2 := ws.at(x+b[0], y+b[1], z+b[2])
					if p, ok := FindEdge(v1, v2, offset(a), offset(b)); ok {
						sum = sum.Add(p)
						count++
					}
				}
				if count == 0 {
					ws.verts[i] = noVertex
					i++
					continue
				}
				ws.verts[i] = int32(len(ws.positions))
				local := vec.Div(sum, float64(count)).Add(vec.New(float64(x), float64(y), float64(z)))
				ws.positions = append(ws.positions, coord.TransformLocalToGlobal(vec.Div(local, inv)))
				i++
			}
		}
	}
}

func (ws *Workspace) quad(a, b, c, d uint32) {
	ws.indices = append(ws.indices, a, b, c, a, c, d)
}

func inside(v float64) bool { return v <= 0 }

// emitFaces walks the grid once per axis. The loop bounds differ per axis and stop
// one cell short of the boundary so every referenced vertex exists.
func (ws *Workspace) emitFaces() {
	res := ws.res

	for z := 0; z < res-2; z++ {
		for y := 0; y < res-2; y++ {
			for x := 0; x < res-1; x++ {
				if inside(ws.at(x, y+1, z+1)) != inside(ws.at(x+1, y+1, z+1)) {
					ws.quad(ws.vert(x, y, z), ws.vert(x, y, z+1), ws.vert(x, y+1, z+1), ws.vert(x, y+1, z))
				}
			}
		}
	}

	for z := 0; z < res-2; z++ {
		for y := 0; y < res-1; y++ {
			for x := 0; x < res-2; x++ {
				if inside(ws.at(x+1, y, z+1)) != inside(ws.at(x+1, y+1, z+1)) {
					ws.quad(ws.vert(x, y, z), ws.vert(x, y, z+1), ws.vert(x+1, y, z+1), ws.vert(x+1, y, z))
				}
			}
		}
	}

	for z := 0; z < res-1; z++ {
		for y := 0; y < res-2; y++ {
			for x := 0; x < res-2; x++ {
				if inside(ws.at(x+1, y+1, z)) != inside(ws.at(x+1, y+1, z+1)) {
					ws.quad(ws.vert(x, y, z), ws.vert(x, y+1, z), ws.vert(x+1, y+1, z), ws.vert(x+1, y, z))
				}
			}
		}
	}
}
