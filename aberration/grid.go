package aberration

import "gonum.org/v1/gonum/mat"

// Electron wavelength used for every example. The coefficients read from the
// metadata are in metres, so the evaluator is fed WavelengthMeters.
const (
	WavelengthAngstrom = 0.025079340317328468
	WavelengthMeters   = WavelengthAngstrom * 1e-10
)

// Grid holds the scattering-angle coordinates (radians) of every pixel.
// KX varies along rows and KY along columns.
type Grid struct {
	KX, KY *mat.Dense
}

// NewGrid builds the n×n angle grid of an image with the given reciprocal
// sampling in mrad per pixel: k_i = (i - n/2)·sampling·1e-3, meshed with ij
// indexing so that KX[i][j] = k_i and KY[i][j] = k_j.
func NewGrid(n int, samplingMrad float64) Grid {
	k := make([]float64, n)
	for i := range k {
		k[i] = (float64(i) - float64(n)/2) * samplingMrad * 1e-3
	}
	kx := mat.NewDense(n, n, nil)
	ky := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			kx.Set(i, j, k[i])
			ky.Set(i, j, k[j])
		}
	}
	return Grid{KX: kx, KY: ky}
}

// Size returns the grid dimensions.
func (g Grid) Size() (rows, cols int) {
	return g.KX.Dims()
}
