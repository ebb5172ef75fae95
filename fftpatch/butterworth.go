package fftpatch

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Butterworth high-pass settings used for every Ronchigram.
const (
	ButterworthCutoff = 0.05
	ButterworthOrder  = 3
)

// HighPass applies a squared Butterworth high-pass filter in the frequency
// domain without padding. With q the squared normalized frequency raised to
// the filter order, the response is q/(1+q); the DC term is removed entirely,
// so a constant image becomes zero.
func HighPass(m mat.Matrix) *mat.Dense {
	rows, cols := m.Dims()
	fr := butterworthAxis(rows)
	fc := butterworthAxis(cols)

	spec := fft2(m)
	for i := range spec {
		for j := range spec[i] {
			q := math.Pow(fr[i]+fc[j], ButterworthOrder)
			spec[i][j] *= complex(q/(1+q), 0)
		}
	}
	return ifft2Real(spec)
}

// butterworthAxis returns (f/cutoff)^2 for every index of an unshifted FFT
// axis of length n, f being the signed frequency in cycles per sample.
func butterworthAxis(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		k := i
		if i > (n-1)/2 {
			k = i - n
		}
		f := float64(k) / (float64(n) * ButterworthCutoff)
		out[i] = f * f
	}
	return out
}
