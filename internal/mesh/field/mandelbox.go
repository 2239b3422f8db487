package field

import (
	"math"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/diag"
	"mandelmesh.io/internal/mesh/vec"
)

// Params are the Mandelbox fold constants.
type Params struct {
	FoldingLimit float64 `yaml:"folding_limit"`
	FixedRadius2 float64 `yaml:"fixed_radius2"`
	MinRadius2   float64 `yaml:"min_radius2"`
	Scale        float64 `yaml:"scale"`
	Bailout      float64 `yaml:"bailout"`
	MaxIters     int     `yaml:"max_iters"`
}

func DefaultParams() Params {
	return Params{
		FoldingLimit: 1.0,
		FixedRadius2: 1.0,
		MinRadius2:   0.25,
		Scale:        -2.0,
		Bailout:      1024.0,
		MaxIters:     32,
	}
}

// Mandelbox is the escape-time distance estimator of the Mandelbox fractal.
// It is immutable and safe for concurrent use as long as its sink is.
type Mandelbox struct {
	params Params
	sink   diag.Sink
}

func NewMandelbox(p Params, sink diag.Sink) *Mandelbox {
	return &Mandelbox{params: p, sink: diag.OrNop(sink)}
}

func (m *Mandelbox) Params() Params { return m.params }

func (p Params) boxFold(z r3.Vector, dz float64) (r3.Vector, float64) {
	return vec.Clamp(z, -p.FoldingLimit, p.FoldingLimit).Mul(2).Sub(z), dz
}

func (p Params) sphereFold(z r3.Vector, dz float64) (r3.Vector, float64) {
	factor := p.FixedRadius2 / vec.ClampF(z.Norm2(), p.MinRadius2, p.FixedRadius2)
	return z.Mul(factor), dz * factor
}

func (p Params) scale(z r3.Vector, dz float64) (r3.Vector, float64) {
	return z.Mul(p.Scale), dz * math.Abs(p.Scale)
}

// step is one full Mandelbox iteration: box fold, sphere fold, scale, offset.
func (p Params) step(z r3.Vector, dz float64, offset r3.Vector) (r3.Vector, float64) {
	z, dz = p.boxFold(z, dz)
	z, dz = p.sphereFold(z, dz)
	z, dz = p.scale(z, dz)
	return z.Add(offset), dz + 1
}

// Estimate returns |z|/dz after iterating until bailout or MaxIters.
// A NaN result is reported to the sink and replaced by 0, i.e. "on the surface".
func (m *Mandelbox) Estimate(p r3.Vector) float64 {
	z, dz := p, 0.0
	for n := m.params.MaxIters; ; {
		z, dz = m.params.step(z, dz, p)
		n--
		if z.Norm2() >= m.params.Bailout || n <= 0 {
			break
		}
	}
	res := z.Norm() / dz
	if math.IsNaN(res) {
		m.sink.Emit(diag.Event{Kind: diag.NaNDistance, Point: &[3]float64{p.X, p.Y, p.Z}})
		return 0
	}
	return res
}

func (m *Mandelbox) Normal(p r3.Vector) r3.Vector {
	return NormalOf(m.Estimate, p, m.sink)
}
