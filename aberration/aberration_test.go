package aberration

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"
)

func TestParsePolar(t *testing.T) {
	p, err := ParsePolar(map[string]float64{
		"C10": -5e-9, "C12": 2e-9, "phi12": 0.3, "C23": 1e-7, "phi23": -0.2, "Cs": 1e-3,
	})
	if err != nil {
		t.Fatalf("ParsePolar failed: %v", err)
	}
	if got := p[C12]; got.Magnitude != 2e-9 || got.Angle != 0.3 {
		t.Fatalf("C12 = %+v", got)
	}
	if got := p[C30].Magnitude; got != 1e-3 {
		t.Fatalf("Cs should alias C30, got %v", got)
	}

	for _, bad := range []map[string]float64{
		{"C11": 1},
		{"phi10": 1},
		{"focus": 1},
	} {
		if _, err := ParsePolar(bad); err == nil {
			t.Fatalf("ParsePolar(%v) should fail", bad)
		}
	}
}

// TestPolarCartesianRoundTrip checks that non-degenerate terms survive a
// polar -> cartesian -> polar conversion.
func TestPolarCartesianRoundTrip(t *testing.T) {
	in := Polar{
		C10:           {Magnitude: -12.5},
		C12:           {Magnitude: 3, Angle: 0.7},
		C21:           {Magnitude: 40, Angle: -2.1},
		C23:           {Magnitude: 15, Angle: 0.9},
		C30:           {Magnitude: 1e4},
		{N: 5, M: 6}:  {Magnitude: 2e6, Angle: 0.4},
		{N: 4, M: 3}:  {Magnitude: 7, Angle: -0.8},
	}
	out := in.Cartesian().Polar()
	if !cmp.Equal(in, out, cmpopts.EquateApprox(1e-12, 1e-12)) {
		t.Fatalf("round trip mismatch:\n%s", cmp.Diff(in, out, cmpopts.EquateApprox(1e-12, 1e-12)))
	}
}

func TestCartesianVector(t *testing.T) {
	c := Polar{
		C10: {Magnitude: 1},
		C12: {Magnitude: 2, Angle: math.Pi / 4},
	}.Cartesian()
	got, err := c.Vector(LowOrderNames...)
	if err != nil {
		t.Fatalf("Vector failed: %v", err)
	}
	want := []float64{1, 0, 2, 0, 0, 0, 0}
	if !cmp.Equal(got, want, cmpopts.EquateApprox(0, 1e-12)) {
		t.Fatalf("Vector = %v, want %v", got, want)
	}
	if _, err := c.Get("phi12"); err == nil {
		t.Fatalf("Get(phi12) should fail")
	}
}

func TestZeroCoefficientsGiveZeroDerivatives(t *testing.T) {
	p := Polar{C10: {}, C12: {}, C21: {}, C23: {}, C30: {}}
	var c Computer
	d := c.Derivatives(p, NewGrid(16, 0.5), true)
	mean, err := d.RegionMean(0, 16, 0, 16)
	if err != nil {
		t.Fatalf("RegionMean failed: %v", err)
	}
	if mean != [3]float64{} {
		t.Fatalf("zero coefficients gave %v, want exact zeros", mean)
	}
}

// TestDefocusAndAstigmatismDerivatives compares against closed forms:
// χ = π/λ·C10·(u²+v²) and χ = π/λ·(A(u²-v²) + 2B·uv) for C12.
func TestDefocusAndAstigmatismDerivatives(t *testing.T) {
	const lambda = 2.5e-12
	g := NewGrid(8, 1)
	ev := PolynomialEvaluator{}

	d := ev.Derivatives(Cartesian{C10: {A: 1e-8}}, g, lambda, false)
	want := 2 * math.Pi * 1e-8 / lambda
	checkConstant(t, "C10 du2", d.DU2, want)
	checkConstant(t, "C10 dv2", d.DV2, want)
	checkConstant(t, "C10 duv", d.DUV, 0)

	d = ev.Derivatives(Cartesian{C12: {A: 3e-9, B: 1e-9}}, g, lambda, false)
	checkConstant(t, "C12 du2", d.DU2, 2*math.Pi*3e-9/lambda)
	checkConstant(t, "C12 dv2", d.DV2, -2*math.Pi*3e-9/lambda)
	checkConstant(t, "C12 duv", d.DUV, 2*math.Pi*1e-9/lambda)
}

func TestHighOrderFlag(t *testing.T) {
	g := NewGrid(8, 2)
	c := Cartesian{{N: 5, M: 0}: {A: 1}}
	ev := PolynomialEvaluator{}
	low := ev.Derivatives(c, g, 1, false)
	if mat.Max(low.DU2) != 0 || mat.Min(low.DU2) != 0 {
		t.Fatalf("C50 leaked into low-order derivatives")
	}
	high := ev.Derivatives(c, g, 1, true)
	if mat.Max(high.DU2) == 0 {
		t.Fatalf("C50 missing from high-order derivatives")
	}
}

func TestPhaseCheckWarnsPastTwoPi(t *testing.T) {
	g := NewGrid(32, 1)
	var c Computer

	small := c.PhaseCheck(Polar{C10: {Magnitude: 1e-12}}, g)
	if small.Warning != nil {
		t.Fatalf("unexpected warning for max phase %v", small.Max)
	}

	large := c.PhaseCheck(Polar{C10: {Magnitude: 1e-6}}, g)
	if large.Warning == nil {
		t.Fatalf("expected warning for max phase %v", large.Max)
	}
	if large.Warning.Max != large.Max || large.Max <= 2*math.Pi {
		t.Fatalf("warning %v does not match report max %v", large.Warning, large.Max)
	}
}

func TestNewGridCentre(t *testing.T) {
	g := NewGrid(4, 10)
	if got := g.KX.At(2, 0); got != 0 {
		t.Fatalf("KX at centre row = %v, want 0", got)
	}
	if got := g.KY.At(0, 0); math.Abs(got+0.02) > 1e-15 {
		t.Fatalf("KY[0][0] = %v, want -0.02", got)
	}
	if g.KX.At(1, 3) != g.KX.At(1, 0) {
		t.Fatalf("KX should be constant along a row")
	}
}

func checkConstant(t *testing.T, name string, m *mat.Dense, want float64) {
	t.Helper()
	tol := 1e-9 * math.Max(1, math.Abs(want))
	for _, v := range m.RawMatrix().Data {
		if math.Abs(v-want) > tol {
			t.Fatalf("%s = %v, want %v", name, v, want)
		}
	}
}
