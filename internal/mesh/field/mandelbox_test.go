package field

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"mandelmesh.io/internal/mesh/diag"
)

func TestMandelboxEstimate_KnownValues(t *testing.T) {
	m := NewMandelbox(DefaultParams(), nil)
	cases := []struct {
		name string
		p    r3.Vector
		want float64
	}{
		{"escapes after two steps", r3.Vector{X: 10}, 58.0 / 3.0},
		{"origin", r3.Vector{}, 0},
		{"near surface", r3.Vector{X: 1.5, Y: 0.3, Z: 0.2}, 0.19487535974517686},
		{"root corner", r3.Vector{X: -2.05, Y: -2.05, Z: -2.05}, 0.5641452948775886},
	}
	for _, tc := range cases {
		got := m.Estimate(tc.p)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: Estimate(%v)=%v want %v", tc.name, tc.p, got, tc.want)
		}
	}
}

func TestMandelboxEstimate_NeverNaN(t *testing.T) {
	var c diag.Counter
	m := NewMandelbox(DefaultParams(), &c)
	for x := -3.0; x <= 3.0; x += 0.37 {
		for y := -3.0; y <= 3.0; y += 0.41 {
			for z := -3.0; z <= 3.0; z += 0.43 {
				if d := m.Estimate(r3.Vector{X: x, Y: y, Z: z}); math.IsNaN(d) {
					t.Fatalf("NaN at (%v,%v,%v)", x, y, z)
				}
			}
		}
	}
	if d := m.Estimate(r3.Vector{}); d != 0 || math.IsNaN(d) {
		t.Fatalf("origin: got %v", d)
	}

	before := c.Count(diag.NaNDistance)
	if d := m.Estimate(r3.Vector{X: math.NaN()}); d != 0 {
		t.Fatalf("NaN input should fall back to 0, got %v", d)
	}
	if d := m.Estimate(r3.Vector{X: math.Inf(1)}); d != 0 {
		t.Fatalf("Inf input should fall back to 0, got %v", d)
	}
	if got := c.Count(diag.NaNDistance) - before; got != 2 {
		t.Fatalf("expected 2 NaN diagnostics, got %d", got)
	}
}

func TestMandelboxStep_IsPure(t *testing.T) {
	p := DefaultParams()
	z := r3.Vector{X: 0.3, Y: -0.2, Z: 0.1}
	z1, dz1 := p.step(z, 1, z)
	z2, dz2 := p.step(z, 1, z)
	if z1 != z2 || dz1 != dz2 {
		t.Fatalf("step not deterministic: %v/%v vs %v/%v", z1, dz1, z2, dz2)
	}
	if z != (r3.Vector{X: 0.3, Y: -0.2, Z: 0.1}) {
		t.Fatalf("step mutated its input")
	}
	// |z|^2 = 0.14 < min radius: factor 4, scale -2, derivative 1*4*2+1.
	if dz1 != 9 {
		t.Fatalf("dz after inner sphere fold: got %v want 9", dz1)
	}
}

func TestNormal_UnitLength(t *testing.T) {
	m := NewMandelbox(DefaultParams(), nil)
	for _, p := range []r3.Vector{
		{X: 1.5, Y: 0.3, Z: 0.2},
		{X: -2.05, Y: -2.05, Z: -2.05},
		{X: 0.9, Y: 1.7, Z: -0.4},
	} {
		n := m.Normal(p)
		if math.Abs(n.Norm()-1) > 1e-9 {
			t.Fatalf("Normal(%v)=%v has length %v", p, n, n.Norm())
		}
	}
}

func TestNormal_DegenerateFallsBack(t *testing.T) {
	var c diag.Counter
	flat := func(r3.Vector) float64 { return 0.25 }
	n := NormalOf(flat, r3.Vector{X: 1}, &c)
	if n != (r3.Vector{X: 1, Y: 0, Z: 0}) {
		t.Fatalf("degenerate normal: got %v", n)
	}
	if c.Count(diag.DegenerateNormal) != 1 {
		t.Fatalf("expected a degenerate-normal diagnostic")
	}
}

func TestSphereNormal_PointsOutward(t *testing.T) {
	s := Sphere{Radius: 1}
	n := s.Normal(r3.Vector{X: 2})
	if math.Abs(n.X-1) > 1e-6 || math.Abs(n.Y) > 1e-6 || math.Abs(n.Z) > 1e-6 {
		t.Fatalf("sphere normal at +x: got %v", n)
	}
	if d := s.Estimate(r3.Vector{Y: 3}); d != 2 {
		t.Fatalf("sphere distance: got %v", d)
	}
}
