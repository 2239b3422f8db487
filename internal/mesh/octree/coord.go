// Package octree addresses octree nodes and maps node-local space to world space.
package octree

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/vec"
)

// WorldDiameter is the world-space edge length of the root node. It comfortably
// encloses the interesting region of the Mandelbox.
const WorldDiameter = 4.1

// Coord identifies one octree node. Valid coordinates are reached from Root by
// repeated Children calls.
type Coord struct {
	X, Y, Z int32
	Depth   int32
}

var Root = Coord{}

// Children returns the eight children in x-fastest order.
func (c Coord) Children() [8]Coord {
	var out [8]Coord
	for i := int32(0); i < 8; i++ {
		out[i] = Coord{
			X:     c.X*2 + i&1,
			Y:     c.Y*2 + (i>>1)&1,
			Z:     c.Z*2 + (i>>2)&1,
			Depth: c.Depth + 1,
		}
	}
	return out
}

// Parent is the inverse of Children. Root is its own parent.
func (c Coord) Parent() Coord {
	if c.Depth <= 0 {
		return Root
	}
	return Coord{X: c.X >> 1, Y: c.Y >> 1, Z: c.Z >> 1, Depth: c.Depth - 1}
}

// ChildIndex is the position of c in its parent's Children array.
func (c Coord) ChildIndex() int {
	return int(c.X&1 | (c.Y&1)<<1 | (c.Z&1)<<2)
}

func (c Coord) Valid() bool {
	if c.Depth < 0 || c.Depth > 30 {
		return false
	}
	n := int32(1) << c.Depth
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n && c.Z >= 0 && c.Z < n
}

func (c Coord) span() float64 {
	return math.Pow(2, float64(c.Depth))
}

// ScaleLocalToGlobal converts a node-local length to a world-space length.
func (c Coord) ScaleLocalToGlobal(v float64) float64 {
	v /= c.span()
	v *= WorldDiameter
	return v
}

// TransformLocalToGlobal maps a node-local point (unit cube per node) to world space.
func (c Coord) TransformLocalToGlobal(v r3.Vector) r3.Vector {
	v = v.Add(r3.Vector{X: float64(c.X), Y: float64(c.Y), Z: float64(c.Z)})
	v = vec.Div(v, c.span())
	v = v.Sub(vec.Splat(0.5))
	return v.Mul(WorldDiameter)
}

// Bounds returns the world-space min and max corners of the node.
func (c Coord) Bounds() (lo, hi r3.Vector) {
	return c.TransformLocalToGlobal(r3.Vector{}), c.TransformLocalToGlobal(vec.Splat(1))
}

// Center is the world-space center of the node.
func (c Coord) Center() r3.Vector {
	return c.TransformLocalToGlobal(vec.Splat(0.5))
}

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d@%d", c.X, c.Y, c.Z, c.Depth)
}

// ParseCoord parses the String form "x/y/z@depth".
func ParseCoord(s string) (Coord, error) {
	var c Coord
	n, err := fmt.Sscanf(s, "%d/%d/%d@%d", &c.X, &c.Y, &c.Z, &c.Depth)
	if err != nil || n != 4 {
		return Coord{}, fmt.Errorf("bad coord %q: want x/y/z@depth", s)
	}
	if !c.Valid() {
		return Coord{}, fmt.Errorf("coord %s out of range", c)
	}
	return c, nil
}

// Less orders by depth, then z, y, x.
func Less(a, b Coord) bool {
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

func Sort(cs []Coord) {
	sort.Slice(cs, func(i, j int) bool { return Less(cs[i], cs[j]) })
}
