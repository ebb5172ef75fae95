// Package fftpatch turns Ronchigram images into windowed, Fourier-magnitude
// patches. Images are gonum dense matrices indexed (row, col).
//
// The pipeline for a single tile is:
//
//	high-pass -> downsample -> transform -> pre-normalize -> Hann window ->
//	zero-pad -> FFT -> fftshift -> |.| -> centre crop -> normalize
//
// Extractor runs it for one tile, Difference runs it over a grid of tiles for
// two co-registered images and subtracts the results.
package fftpatch

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/mat"
)

// Transform is an opaque per-image operation such as an augmentation. It may
// be stochastic, in which case it must draw only from rng.
type Transform func(img *mat.Dense, rng *rand.Rand) *mat.Dense

// Hann returns the symmetric n-point Hann window 0.5 - 0.5*cos(2*pi*i/(n-1)),
// the same values as numpy.hanning. A single point window is [1].
func Hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	if n == 1 {
		return w
	}
	return window.Hann(w)
}

// Hann2D returns the separable outer product of two Hann windows.
func Hann2D(rows, cols int) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	out.Outer(1, mat.NewVecDense(rows, Hann(rows)), mat.NewVecDense(cols, Hann(cols)))
	return out
}

// MinMax maps m onto [0, 1]. When max == min the result is all zeros and
// ErrDegeneratePatch is returned alongside it.
func MinMax(m mat.Matrix) (*mat.Dense, error) {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	lo, hi := mat.Min(m), mat.Max(m)
	if hi == lo || math.IsNaN(hi-lo) {
		return out, ErrDegeneratePatch
	}
	span := hi - lo
	out.Apply(func(_, _ int, v float64) float64 { return (v - lo) / span }, m)
	return out, nil
}

// SignedNormalize scales a set of patches in place with one global signed
// min-max: positive entries are divided by the global maximum and negative
// entries by the absolute global minimum, so signs are kept and the result is
// bounded to [-1, 1]. A sign with no entries (for example an all-positive or
// all-zero batch) leaves that half untouched rather than dividing by zero.
func SignedNormalize(patches []*mat.Dense) {
	if len(patches) == 0 {
		return
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, p := range patches {
		hi = math.Max(hi, mat.Max(p))
		lo = math.Min(lo, mat.Min(p))
	}
	for _, p := range patches {
		p.Apply(func(_, _ int, v float64) float64 {
			switch {
			case v > 0 && hi > 0:
				return v / hi
			case v < 0 && lo < 0:
				return -v / lo
			}
			return v
		}, p)
	}
}

// Downsample shrinks m by an integer factor with bilinear interpolation. The
// sampling positions follow the half-pixel convention (align corners off):
// output pixel d reads source coordinate (d+0.5)*factor-0.5, clamped at 0.
// The output size is floor(n/factor) along each axis.
func Downsample(m mat.Matrix, factor int) (*mat.Dense, error) {
	if factor <= 1 {
		return mat.DenseCopyOf(m), nil
	}
	rows, cols := m.Dims()
	outRows, outCols := rows/factor, cols/factor
	if outRows == 0 || outCols == 0 {
		return nil, errors.Wrapf(ErrInvalidGeometry, "downsampling %dx%d by %d", rows, cols, factor)
	}
	rt := bilinearTaps(rows, outRows, factor)
	ct := bilinearTaps(cols, outCols, factor)

	out := mat.NewDense(outRows, outCols, nil)
	for i, r := range rt {
		for j, c := range ct {
			top := (1-c.w)*m.At(r.i0, c.i0) + c.w*m.At(r.i0, c.i1)
			bottom := (1-c.w)*m.At(r.i1, c.i0) + c.w*m.At(r.i1, c.i1)
			out.Set(i, j, (1-r.w)*top+r.w*bottom)
		}
	}
	return out, nil
}

type tap struct {
	i0, i1 int
	w      float64
}

func bilinearTaps(in, out, factor int) []tap {
	taps := make([]tap, out)
	scale := float64(factor)
	for d := range taps {
		src := (float64(d)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		taps[d] = tap{i0: i0, i1: i1, w: src - float64(i0)}
	}
	return taps
}

// CropCenter returns a copy of the size×size window of m centred on
// (rows/2, cols/2). The window starts at n/2 - size/2 along each axis.
func CropCenter(m mat.Matrix, size int) (*mat.Dense, error) {
	rows, cols := m.Dims()
	if size <= 0 || size > rows || size > cols {
		return nil, errors.Wrapf(ErrInvalidGeometry, "crop %d from %dx%d", size, rows, cols)
	}
	top, left := rows/2-size/2, cols/2-size/2
	out := mat.NewDense(size, size, nil)
	out.Copy(subMatrix(m, top, top+size, left, left+size))
	return out, nil
}

// CropBorder removes border pixels from every edge of m.
func CropBorder(m mat.Matrix, border int) (*mat.Dense, error) {
	if border <= 0 {
		return mat.DenseCopyOf(m), nil
	}
	rows, cols := m.Dims()
	if 2*border >= rows || 2*border >= cols {
		return nil, errors.Wrapf(ErrInvalidGeometry, "border %d on %dx%d image", border, rows, cols)
	}
	return mat.DenseCopyOf(subMatrix(m, border, rows-border, border, cols-border)), nil
}

// Tile returns a copy of the square tile at grid position (row, col).
func Tile(m mat.Matrix, row, col, size int) (*mat.Dense, error) {
	rows, cols := m.Dims()
	r0, c0 := row*size, col*size
	if row < 0 || col < 0 || size <= 0 || r0+size > rows || c0+size > cols {
		return nil, errors.Wrapf(ErrInvalidGeometry, "tile (%d,%d) of size %d outside %dx%d", row, col, size, rows, cols)
	}
	return mat.DenseCopyOf(subMatrix(m, r0, r0+size, c0, c0+size)), nil
}

func subMatrix(m mat.Matrix, r0, r1, c0, c1 int) mat.Matrix {
	if s, ok := m.(interface {
		Slice(i, k, j, l int) mat.Matrix
	}); ok {
		return s.Slice(r0, r1, c0, c1)
	}
	return mat.DenseCopyOf(m).Slice(r0, r1, c0, c1)
}
