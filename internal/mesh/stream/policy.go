package stream

import "github.com/golang/geo/r3"

// SplitPolicy decides, right after a chunk is installed, whether its node should be
// refined into its eight children. It runs on the frame goroutine.
type SplitPolicy interface {
	ShouldSplit(c *Chunk) bool
}

// NoSplit keeps the tree at the single root split.
type NoSplit struct{}

func (NoSplit) ShouldSplit(*Chunk) bool { return false }

// MaxDepth splits every node shallower than Depth.
type MaxDepth struct {
	Depth int32
}

func (p MaxDepth) ShouldSplit(c *Chunk) bool {
	return c.Coord.Depth < p.Depth
}

// Distance splits non-empty nodes whose centre is closer to Eye than Factor times
// the node's world-space edge length, down to MaxDepth.
type Distance struct {
	Eye      r3.Vector
	Factor   float64
	MaxDepth int32
}

func (p Distance) ShouldSplit(c *Chunk) bool {
	if c.Empty() || c.Coord.Depth >= p.MaxDepth {
		return false
	}
	size := c.Coord.ScaleLocalToGlobal(1)
	return c.Coord.Center().Distance(p.Eye) < p.Factor*size
}
