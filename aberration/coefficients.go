// Package aberration models the coefficients of the electron-optical
// aberration function and evaluates it, or its second derivatives, on a grid
// of scattering angles.
//
// Coefficients use the Krivanek notation C<n><m>: n is the radial order and m
// the azimuthal symmetry. A term contributes
//
//	2π/λ · θ^(n+1)/(n+1) · C·cos(m(φ - φ_nm))
//
// to the phase, where θ is the scattering angle in radians.
package aberration

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Order identifies one aberration term.
type Order struct {
	N, M int
}

// Valid reports whether the order describes a real term: n+1-m must be even
// and non-negative.
func (o Order) Valid() bool {
	return o.N >= 1 && o.M >= 0 && o.M <= o.N+1 && (o.N+1-o.M)%2 == 0
}

// LowOrder reports whether the term is one of C10, C12, C21, C23 or C30.
func (o Order) LowOrder() bool {
	return o.N <= 2 || o == C30
}

func (o Order) String() string {
	return fmt.Sprintf("C%d%d", o.N, o.M)
}

// Frequently used orders.
var (
	C10 = Order{1, 0}
	C12 = Order{1, 2}
	C21 = Order{2, 1}
	C23 = Order{2, 3}
	C30 = Order{3, 0}
)

// PolarTerm is a coefficient as magnitude and angle (radians). The angle is
// meaningless for rotationally symmetric terms and for zero magnitudes.
type PolarTerm struct {
	Magnitude float64
	Angle     float64
}

// CartesianTerm is a coefficient as its two orthogonal components,
// A = C·cos(mφ) and B = C·sin(mφ). Symmetric terms only use A.
type CartesianTerm struct {
	A, B float64
}

// Polar is a set of coefficients in polar form.
type Polar map[Order]PolarTerm

// Cartesian is a set of coefficients in cartesian form.
type Cartesian map[Order]CartesianTerm

var coefficientName = regexp.MustCompile(`^(C|phi)(\d)(\d)$`)

// ParsePolar builds polar coefficients from named values such as
// {"C10": .., "C12": .., "phi12": ..}. "Cs" is accepted for C30. Unknown names,
// invalid orders and angles on symmetric terms are errors.
func ParsePolar(values map[string]float64) (Polar, error) {
	p := make(Polar, len(values))
	for name, v := range values {
		if name == "Cs" {
			name = "C30"
		}
		m := coefficientName.FindStringSubmatch(name)
		if m == nil {
			return nil, errors.Errorf("unknown aberration coefficient %q", name)
		}
		n, _ := strconv.Atoi(m[2])
		az, _ := strconv.Atoi(m[3])
		o := Order{N: n, M: az}
		if !o.Valid() {
			return nil, errors.Errorf("invalid aberration order %q", name)
		}
		term := p[o]
		if m[1] == "phi" {
			if o.M == 0 {
				return nil, errors.Errorf("angle %q given for rotationally symmetric term", name)
			}
			term.Angle = v
		} else {
			term.Magnitude = v
		}
		p[o] = term
	}
	return p, nil
}

// Merge returns the union of p and other; terms in other win.
func (p Polar) Merge(other Polar) Polar {
	out := make(Polar, len(p)+len(other))
	for o, t := range p {
		out[o] = t
	}
	for o, t := range other {
		out[o] = t
	}
	return out
}

// Cartesian converts every term to its orthogonal components.
func (p Polar) Cartesian() Cartesian {
	c := make(Cartesian, len(p))
	for o, t := range p {
		if o.M == 0 {
			c[o] = CartesianTerm{A: t.Magnitude}
			continue
		}
		m := float64(o.M)
		c[o] = CartesianTerm{
			A: t.Magnitude * math.Cos(m*t.Angle),
			B: t.Magnitude * math.Sin(m*t.Angle),
		}
	}
	return c
}

// Polar converts back to magnitude and angle. Angles come back in
// (-π/m, π/m]; symmetric terms keep the sign of A as their magnitude.
func (c Cartesian) Polar() Polar {
	p := make(Polar, len(c))
	for o, t := range c {
		if o.M == 0 {
			p[o] = PolarTerm{Magnitude: t.A}
			continue
		}
		p[o] = PolarTerm{
			Magnitude: math.Hypot(t.A, t.B),
			Angle:     math.Atan2(t.B, t.A) / float64(o.M),
		}
	}
	return p
}

// Get returns a component by name, e.g. "C10", "C12a" or "C23b". Missing
// terms read as zero.
func (c Cartesian) Get(name string) (float64, error) {
	base, suffix := name, byte('a')
	if n := len(name); n > 0 && (name[n-1] == 'a' || name[n-1] == 'b') {
		base, suffix = name[:n-1], name[n-1]
	}
	m := coefficientName.FindStringSubmatch(base)
	if m == nil || m[1] != "C" {
		return 0, errors.Errorf("unknown cartesian coefficient %q", name)
	}
	n, _ := strconv.Atoi(m[2])
	az, _ := strconv.Atoi(m[3])
	t := c[Order{N: n, M: az}]
	if suffix == 'b' {
		return t.B, nil
	}
	return t.A, nil
}

// LowOrderNames lists the cartesian components used as the regression
// target of the paired-tilt mode.
var LowOrderNames = []string{"C10", "C12a", "C12b", "C21a", "C21b", "C23a", "C23b"}

// Vector returns the named components in order.
func (c Cartesian) Vector(names ...string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, err := c.Get(name)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Filter keeps the terms for which keep returns true.
func (c Cartesian) Filter(keep func(Order) bool) Cartesian {
	out := make(Cartesian, len(c))
	for o, t := range c {
		if keep(o) {
			out[o] = t
		}
	}
	return out
}

// Orders returns the terms in ascending (n, m) order.
func (c Cartesian) Orders() []Order {
	orders := make([]Order, 0, len(c))
	for o := range c {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].N != orders[j].N {
			return orders[i].N < orders[j].N
		}
		return orders[i].M < orders[j].M
	})
	return orders
}
