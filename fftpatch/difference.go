package fftpatch

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Grid tiles a preprocessed image into Patch-sized tiles and returns their
// spectra in row-major order. Pixels beyond the last whole tile are ignored.
func (e Extractor) Grid(img mat.Matrix) ([]*mat.Dense, error) {
	rows, cols := img.Dims()
	nr, nc := rows/e.Patch, cols/e.Patch
	if nr == 0 || nc == 0 {
		return nil, errors.Wrapf(ErrInvalidGeometry, "patch %d larger than %dx%d image", e.Patch, rows, cols)
	}
	out := make([]*mat.Dense, 0, nr*nc)
	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			tile, err := Tile(img, i, j, e.Patch)
			if err != nil {
				return nil, err
			}
			spec, err := e.Spectrum(tile)
			if err != nil {
				return nil, errors.Wrapf(err, "tile (%d,%d)", i, j)
			}
			out = append(out, spec)
		}
	}
	return out, nil
}

// Difference computes the FFT-magnitude difference of two co-registered
// full-frame images, such as a +tilt/-tilt pair. Both images go through the
// same preprocessing before tiling; each tile is windowed and transformed on
// its own. The result holds floor(rows/Patch)*floor(cols/Patch) patches of
// spectrum(a) - spectrum(b), flattened row-major.
func Difference(a, b mat.Matrix, e Extractor, rng *rand.Rand) ([]*mat.Dense, bool, error) {
	if err := e.Validate(); err != nil {
		return nil, false, err
	}
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return nil, false, errors.Wrapf(ErrShapeMismatch, "difference of %dx%d and %dx%d images", ar, ac, br, bc)
	}

	pa, degA, err := e.Preprocess(a, rng)
	if err != nil {
		return nil, false, err
	}
	pb, degB, err := e.Preprocess(b, rng)
	if err != nil {
		return nil, false, err
	}

	ga, err := e.Grid(pa)
	if err != nil {
		return nil, false, err
	}
	gb, err := e.Grid(pb)
	if err != nil {
		return nil, false, err
	}

	for i := range ga {
		ga[i].Sub(ga[i], gb[i])
	}
	return ga, degA || degB, nil
}
