package fftpatch

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// fft2 returns the unnormalized 2D discrete Fourier transform of a real
// matrix. The transform is done rows first, then columns.
func fft2(m mat.Matrix) [][]complex128 {
	rows, cols := m.Dims()
	out := make([][]complex128, rows)
	for i := range out {
		out[i] = make([]complex128, cols)
		for j := range out[i] {
			out[i][j] = complex(m.At(i, j), 0)
		}
	}
	transform2(out, true)
	return out
}

// ifft2Real inverts fft2 and keeps the real part. The gonum transforms are
// unnormalized so the result is scaled by 1/(rows*cols).
func ifft2Real(a [][]complex128) *mat.Dense {
	rows, cols := len(a), len(a[0])
	transform2(a, false)
	scale := float64(rows * cols)
	out := mat.NewDense(rows, cols, nil)
	for i := range a {
		for j := range a[i] {
			out.Set(i, j, real(a[i][j])/scale)
		}
	}
	return out
}

func transform2(a [][]complex128, forward bool) {
	rows, cols := len(a), len(a[0])

	rowFFT := fourier.NewCmplxFFT(cols)
	for i := 0; i < rows; i++ {
		if forward {
			rowFFT.Coefficients(a[i], a[i])
		} else {
			rowFFT.Sequence(a[i], a[i])
		}
	}

	colFFT := fourier.NewCmplxFFT(rows)
	col := make([]complex128, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			col[i] = a[i][j]
		}
		if forward {
			colFFT.Coefficients(col, col)
		} else {
			colFFT.Sequence(col, col)
		}
		for i := 0; i < rows; i++ {
			a[i][j] = col[i]
		}
	}
}

// shiftedMagnitude returns |F| with the zero frequency moved to the centre,
// the same layout numpy.fft.fftshift produces: element k lands on
// (k + n/2) mod n along each axis.
func shiftedMagnitude(a [][]complex128) *mat.Dense {
	rows, cols := len(a), len(a[0])
	out := mat.NewDense(rows, cols, nil)
	for i := range a {
		si := (i + rows/2) % rows
		for j := range a[i] {
			out.Set(si, (j+cols/2)%cols, cmplx.Abs(a[i][j]))
		}
	}
	return out
}
