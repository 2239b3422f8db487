package surfacenet

import (
	"reflect"
	"testing"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/field"
	"mandelmesh.io/internal/mesh/octree"
	"mandelmesh.io/internal/mesh/vec"
)

// With res=3 over the root, only grid point (1,1,1) sits at world (2.05,2.05,2.05).
// Making it the single inside sample gives all 8 cells a vertex, numbered x+2y+4z.
func TestExtract_SingleInsideSampleIndices(t *testing.T) {
	dist := func(p r3.Vector) float64 {
		if p.X > 1 && p.X < 3 && p.Y > 1 && p.Y < 3 && p.Z > 1 && p.Z < 3 {
			return -10
		}
		return 10
	}
	normal := func(r3.Vector) r3.Vector { return r3.Vector{X: 1} }

	m, err := Extract(nil, dist, normal, octree.Root, 3)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(m.Positions) != 8 {
		t.Fatalf("vertices: %d", len(m.Positions))
	}
	want := []uint32{
		// x-axis edges through (x,1,1)
		0, 4, 6, 0, 6, 2,
		1, 5, 7, 1, 7, 3,
		// y-axis edges through (1,y,1)
		0, 4, 5, 0, 5, 1,
		2, 6, 7, 2, 7, 3,
		// z-axis edges through (1,1,z)
		0, 2, 3, 0, 3, 1,
		4, 6, 7, 4, 7, 5,
	}
	if !reflect.DeepEqual(m.Indices, want) {
		t.Fatalf("indices:\n got %v\nwant %v", m.Indices, want)
	}
}

// reference follows the sampling, vertex and three face loops of the algorithm
// literally, one index at a time, with no shared helpers from this package.
func reference(dist field.Func, normal field.NormalFunc, c octree.Coord, res int) Mesh {
	inv := float64(res - 2)
	subtract := c.ScaleLocalToGlobal(1.0/float64(res)) * 2

	grid := make([][][]float64, res)
	for x := range grid {
		grid[x] = make([][]float64, res)
		for y := range grid[x] {
			grid[x][y] = make([]float64, res)
		}
	}
	for z := 0; z < res; z++ {
		for y := 0; y < res; y++ {
			for x := 0; x < res; x++ {
				grid[x][y][z] = dist(c.TransformLocalToGlobal(vec.Div(vec.New(float64(x), float64(y), float64(z)), inv))) - subtract
			}
		}
	}

	find := func(x, y, z, dx1, dy1, dz1, dx2, dy2, dz2 int) (r3.Vector, bool) {
		v1 := grid[x+dx1][y+dy1][z+dz1]
		v2 := grid[x+dx2][y+dy2][z+dz2]
		if (v1 <= 0) == (v2 <= 0) {
			return r3.Vector{}, false
		}
		e := v1 / (v1 - v2)
		d1 := vec.New(float64(dx1), float64(dy1), float64(dz1))
		d2 := vec.New(float64(dx2), float64(dy2), float64(dz2))
		return d1.Mul(1 - e).Add(d2.Mul(e)), true
	}

	var m Mesh
	n := res - 1
	vi := make([]int, n*n*n)
	at := func(x, y, z int) uint32 { return uint32(vi[x+n*(y+n*z)]) }
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				count := 0
				var sum r3.Vector
				for _, e := range [12][6]int{
					{0, 0, 0, 1, 0, 0}, {0, 0, 0, 0, 1, 0}, {0, 0, 0, 0, 0, 1},
					{1, 0, 0, 1, 1, 0}, {1, 0, 0, 1, 0, 1},
					{0, 1, 0, 1, 1, 0}, {0, 1, 0, 0, 1, 1},
					{0, 0, 1, 1, 0, 1}, {0, 0, 1, 0, 1, 1},
					{1, 1, 0, 1, 1, 1}, {1, 0, 1, 1, 1, 1}, {0, 1, 1, 1, 1, 1},
				} {
					if p, ok := find(x, y, z, e[0], e[1], e[2], e[3], e[4], e[5]); ok {
						sum = sum.Add(p)
						count++
					}
				}
				if count == 0 {
					vi[x+n*(y+n*z)] = -1
					continue
				}
				vi[x+n*(y+n*z)] = len(m.Positions)
				p := vec.Div(sum, float64(count)).Add(vec.New(float64(x), float64(y), float64(z)))
				m.Positions = append(m.Positions, c.TransformLocalToGlobal(vec.Div(p, inv)))
			}
		}
	}

	for z := 0; z < res-2; z++ {
		for y := 0; y < res-2; y++ {
			for x := 0; x < res-1; x++ {
				if (grid[x][y+1][z+1] <= 0) != (grid[x+1][y+1][z+1] <= 0) {
					m.Indices = append(m.Indices,
						at(x, y, z), at(x, y, z+1), at(x, y+1, z+1),
						at(x, y, z), at(x, y+1, z+1), at(x, y+1, z))
				}
			}
		}
	}
	for z := 0; z < res-2; z++ {
		for y := 0; y < res-1; y++ {
			for x := 0; x < res-2; x++ {
				if (grid[x+1][y][z+1] <= 0) != (grid[x+1][y+1][z+1] <= 0) {
					m.Indices = append(m.Indices,
						at(x, y, z), at(x, y, z+1), at(x+1, y, z+1),
						at(x, y, z), at(x+1, y, z+1), at(x+1, y, z))
				}
			}
		}
	}
	for z := 0; z < res-1; z++ {
		for y := 0; y < res-2; y++ {
			for x := 0; x < res-2; x++ {
				if (grid[x+1][y+1][z] <= 0) != (grid[x+1][y+1][z+1] <= 0) {
					m.Indices = append(m.Indices,
						at(x, y, z), at(x, y+1, z), at(x+1, y+1, z),
						at(x, y, z), at(x+1, y+1, z), at(x+1, y, z))
				}
			}
		}
	}

	for _, p := range m.Positions {
		m.Normals = append(m.Normals, normal(p))
	}
	return m
}

// same treats nil and empty slices as equal.
func same[T any](a, b []T) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func TestExtract_MatchesReferenceLoops(t *testing.T) {
	box := field.NewMandelbox(field.DefaultParams(), nil)
	kids := octree.Root.Children()
	nodes := append([]octree.Coord{octree.Root}, kids[:]...)
	ws := NewWorkspace()
	total := 0
	for _, res := range []int{3, 5, 12} {
		for _, c := range nodes {
			got, err := Extract(ws, box.Estimate, box.Normal, c, res)
			if err != nil {
				t.Fatalf("%s res=%d: %v", c, res, err)
			}
			want := reference(box.Estimate, box.Normal, c, res)
			if !same(got.Indices, want.Indices) {
				t.Fatalf("%s res=%d: indices differ (got %d, want %d)", c, res, len(got.Indices), len(want.Indices))
			}
			if !same(got.Positions, want.Positions) || !same(got.Normals, want.Normals) {
				t.Fatalf("%s res=%d: vertices differ", c, res)
			}
			total += len(got.Indices)
		}
	}
	if total == 0 {
		t.Fatalf("no geometry extracted; comparison is vacuous")
	}
}
