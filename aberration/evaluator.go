package aberration

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Evaluator computes the aberration phase χ and its second derivatives for
// cartesian coefficients on an angle grid. Implementations must be pure.
type Evaluator interface {
	Phase(c Cartesian, g Grid, wavelength float64) *mat.Dense
	Derivatives(c Cartesian, g Grid, wavelength float64, highOrder bool) Derivatives
}

// Derivatives holds ∂²χ/∂u², ∂²χ/∂v² and ∂²χ/∂u∂v on a grid.
type Derivatives struct {
	DU2, DV2, DUV *mat.Dense
}

// RegionMean averages each map over rows [r0, r1) and columns [c0, c1).
func (d Derivatives) RegionMean(r0, r1, c0, c1 int) ([3]float64, error) {
	var out [3]float64
	for i, m := range []*mat.Dense{d.DU2, d.DV2, d.DUV} {
		rows, cols := m.Dims()
		if r0 < 0 || c0 < 0 || r1 > rows || c1 > cols || r0 >= r1 || c0 >= c1 {
			return out, errors.Errorf("region [%d:%d, %d:%d] outside %dx%d map", r0, r1, c0, c1, rows, cols)
		}
		region := mat.DenseCopyOf(m.Slice(r0, r1, c0, c1))
		out[i] = stat.Mean(region.RawMatrix().Data, nil)
	}
	return out, nil
}

// PolynomialEvaluator evaluates χ(u, v) = 2π/λ · Σ θ^(n+1)/(n+1)·(A cos mφ + B sin mφ)
// as an exact polynomial in u and v. Its derivatives are taken symbolically,
// so a zero coefficient set yields exactly zero maps.
type PolynomialEvaluator struct{}

// Phase evaluates χ for every term in c.
func (PolynomialEvaluator) Phase(c Cartesian, g Grid, wavelength float64) *mat.Dense {
	return chiPolynomial(c).eval(g, 2*math.Pi/wavelength)
}

// Derivatives evaluates the second derivatives of χ. Unless highOrder is set
// only C10, C12, C21, C23 and C30 contribute.
func (PolynomialEvaluator) Derivatives(c Cartesian, g Grid, wavelength float64, highOrder bool) Derivatives {
	if !highOrder {
		c = c.Filter(Order.LowOrder)
	}
	chi := chiPolynomial(c)
	scale := 2 * math.Pi / wavelength
	du, dv := chi.du(), chi.dv()
	return Derivatives{
		DU2: du.du().eval(g, scale),
		DV2: dv.dv().eval(g, scale),
		DUV: du.dv().eval(g, scale),
	}
}

// PhaseRangeWarning reports a phase map whose maximum exceeds 2π. Past that
// point the grid no longer samples the phase without wrapping and targets
// derived from it are unreliable.
type PhaseRangeWarning struct {
	Max float64
}

func (w *PhaseRangeWarning) Error() string {
	return fmt.Sprintf("phase maximum %.4g rad exceeds 2π", w.Max)
}

// PhaseReport is the result of a phase range check.
type PhaseReport struct {
	Phase   *mat.Dense
	Max     float64
	Warning *PhaseRangeWarning
}

// Computer turns polar coefficients into supervision targets through an
// Evaluator. The zero value uses PolynomialEvaluator and WavelengthMeters.
type Computer struct {
	Evaluator  Evaluator
	Wavelength float64
}

func (c *Computer) evaluator() Evaluator {
	if c.Evaluator == nil {
		return PolynomialEvaluator{}
	}
	return c.Evaluator
}

func (c *Computer) wavelength() float64 {
	if c.Wavelength == 0 {
		return WavelengthMeters
	}
	return c.Wavelength
}

// Derivatives converts p to cartesian form and evaluates the second
// derivative maps on g.
func (c *Computer) Derivatives(p Polar, g Grid, highOrder bool) Derivatives {
	return c.evaluator().Derivatives(p.Cartesian(), g, c.wavelength(), highOrder)
}

// PhaseCheck evaluates the full phase map and flags it when its maximum
// exceeds 2π. The condition is logged and returned, never raised; the caller
// decides whether to drop the example.
func (c *Computer) PhaseCheck(p Polar, g Grid) PhaseReport {
	phase := c.evaluator().Phase(p.Cartesian(), g, c.wavelength())
	report := PhaseReport{Phase: phase, Max: mat.Max(phase)}
	if report.Max > 2*math.Pi {
		report.Warning = &PhaseRangeWarning{Max: report.Max}
		klog.Warningf("aberration phase check: %v", report.Warning)
	}
	return report
}
