// Package vec holds the small set of vector helpers the mesher needs on top of r3.Vector.
package vec

import "github.com/golang/geo/r3"

// New returns the vector (x, y, z).
func New(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Splat returns a vector with every component set to v.
func Splat(v float64) r3.Vector {
	return r3.Vector{X: v, Y: v, Z: v}
}

// Div divides each component by s.
func Div(v r3.Vector, s float64) r3.Vector {
	return r3.Vector{X: v.X / s, Y: v.Y / s, Z: v.Z / s}
}

// MulVec is the component-wise product.
func MulVec(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: a.X * b.X, Y: a.Y * b.Y, Z: a.Z * b.Z}
}

// Clamp applies ClampF to each component.
func Clamp(v r3.Vector, lo, hi float64) r3.Vector {
	return r3.Vector{X: ClampF(v.X, lo, hi), Y: ClampF(v.Y, lo, hi), Z: ClampF(v.Z, lo, hi)}
}

// ClampF returns v limited to [lo, hi]. NaN passes through unchanged.
func ClampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
