// Package field evaluates signed distance estimates and surface normals.
package field

import (
	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/diag"
)

// Func returns the estimated signed distance from p to the surface.
type Func func(p r3.Vector) float64

// NormalFunc returns the estimated unit surface normal near p.
type NormalFunc func(p r3.Vector) r3.Vector

// Field pairs a distance estimate with its normal.
type Field interface {
	Estimate(p r3.Vector) float64
	Normal(p r3.Vector) r3.Vector
}

// NormalDelta is the offset of the four diagonal samples, roughly 8x float32 epsilon.
const NormalDelta = 1e-6

// FallbackNormal is returned when the sampled gradient has zero length.
var FallbackNormal = r3.Vector{X: 1, Y: 0, Z: 0}

// NormalOf estimates the normal of f at p from four diagonal corner samples.
// A zero gradient yields FallbackNormal and a DegenerateNormal event.
func NormalOf(f Func, p r3.Vector, sink diag.Sink) r3.Vector {
	const d = NormalDelta
	dnpp := f(p.Add(r3.Vector{X: -d, Y: d, Z: d}))
	dpnp := f(p.Add(r3.Vector{X: d, Y: -d, Z: d}))
	dppn := f(p.Add(r3.Vector{X: d, Y: d, Z: -d}))
	dnnn := f(p.Add(r3.Vector{X: -d, Y: -d, Z: -d}))
	n := r3.Vector{
		X: (dppn + dpnp) - (dnpp + dnnn),
		Y: (dppn + dnpp) - (dpnp + dnnn),
		Z: (dpnp + dnpp) - (dppn + dnnn),
	}
	if n.Norm2() == 0 {
		diag.OrNop(sink).Emit(diag.Event{Kind: diag.DegenerateNormal, Point: &[3]float64{p.X, p.Y, p.Z}})
		return FallbackNormal
	}
	return n.Normalize()
}

// Sphere is a plain sphere distance field. It is handy for tests and for checking
// the extractor against a surface with a known shape.
type Sphere struct {
	Center r3.Vector
	Radius float64
	Sink   diag.Sink
}

func (s Sphere) Estimate(p r3.Vector) float64 {
	return p.Sub(s.Center).Norm() - s.Radius
}

func (s Sphere) Normal(p r3.Vector) r3.Vector {
	return NormalOf(s.Estimate, p, s.Sink)
}
