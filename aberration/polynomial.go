package aberration

import (
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/combin"
)

// monomial is u^U · v^V.
type monomial struct {
	U, V int
}

// polynomial is a bivariate polynomial in the angle components (u, v).
// Each aberration term θ^(n+1)·(A cos mφ + B sin mφ) is exactly
// (u²+v²)^((n+1-m)/2) · (A·Re + B·Im)((u+iv)^m), so the whole phase and its
// derivatives stay polynomials.
type polynomial map[monomial]float64

func termPolynomial(o Order, t CartesianTerm) polynomial {
	p := (o.N + 1 - o.M) / 2
	radial := polynomial{}
	for j := 0; j <= p; j++ {
		radial[monomial{2 * j, 2 * (p - j)}] += binomial(p, j)
	}

	angular := polynomial{}
	for k := 0; k <= o.M; k++ {
		c := binomial(o.M, k)
		mono := monomial{o.M - k, k}
		// i^k cycles through 1, i, -1, -i.
		switch k % 4 {
		case 0:
			angular[mono] += c * t.A
		case 1:
			angular[mono] += c * t.B
		case 2:
			angular[mono] -= c * t.A
		case 3:
			angular[mono] -= c * t.B
		}
	}
	return radial.mul(angular).scale(1 / float64(o.N+1))
}

func chiPolynomial(c Cartesian) polynomial {
	out := polynomial{}
	for _, o := range c.Orders() {
		for m, v := range termPolynomial(o, c[o]) {
			out[m] += v
		}
	}
	return out
}

func (p polynomial) mul(q polynomial) polynomial {
	out := polynomial{}
	for a, ca := range p {
		for b, cb := range q {
			out[monomial{a.U + b.U, a.V + b.V}] += ca * cb
		}
	}
	return out
}

func (p polynomial) scale(s float64) polynomial {
	for m := range p {
		p[m] *= s
	}
	return p
}

func (p polynomial) du() polynomial {
	out := polynomial{}
	for m, c := range p {
		if m.U > 0 {
			out[monomial{m.U - 1, m.V}] += c * float64(m.U)
		}
	}
	return out
}

func (p polynomial) dv() polynomial {
	out := polynomial{}
	for m, c := range p {
		if m.V > 0 {
			out[monomial{m.U, m.V - 1}] += c * float64(m.V)
		}
	}
	return out
}

// eval evaluates scale·p on every grid point. Terms are summed in a fixed
// order so repeated evaluations are bit-identical.
func (p polynomial) eval(g Grid, scale float64) *mat.Dense {
	type term struct {
		m monomial
		c float64
	}
	terms := make([]term, 0, len(p))
	maxU, maxV := 0, 0
	for m, c := range p {
		if c == 0 {
			continue
		}
		terms = append(terms, term{m, c})
		maxU = max(maxU, m.U)
		maxV = max(maxV, m.V)
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].m.U != terms[j].m.U {
			return terms[i].m.U < terms[j].m.U
		}
		return terms[i].m.V < terms[j].m.V
	})

	rows, cols := g.Size()
	out := mat.NewDense(rows, cols, nil)
	if len(terms) == 0 {
		return out
	}
	pu := make([]float64, maxU+1)
	pv := make([]float64, maxV+1)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			powers(pu, g.KX.At(i, j))
			powers(pv, g.KY.At(i, j))
			var sum float64
			for _, t := range terms {
				sum += t.c * pu[t.m.U] * pv[t.m.V]
			}
			out.Set(i, j, scale*sum)
		}
	}
	return out
}

func powers(dst []float64, x float64) {
	dst[0] = 1
	for k := 1; k < len(dst); k++ {
		dst[k] = dst[k-1] * x
	}
}

func binomial(n, k int) float64 {
	return float64(combin.Binomial(n, k))
}
