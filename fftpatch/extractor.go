package fftpatch

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Extractor converts one image tile into a centred, zero-padded,
// Hann-windowed FFT magnitude patch.
//
// Patch is the tile side after downsampling; the tile handed to Extract must
// therefore be Patch*Downsampling pixels wide.
type Extractor struct {
	Patch        int
	PadFactor    int
	CropSize     int // 0 keeps the full padded spectrum
	Downsampling int
	HighPass     bool
	PreNormalize bool
	Normalize    bool
	Transform    Transform
}

// Validate checks that the geometry can produce an output.
func (e Extractor) Validate() error {
	if e.Patch <= 0 {
		return errors.Wrapf(ErrInvalidGeometry, "patch must be positive, got %d", e.Patch)
	}
	if e.PadFactor < 1 {
		return errors.Wrapf(ErrInvalidGeometry, "fft pad factor must be >= 1, got %d", e.PadFactor)
	}
	if e.CropSize < 0 {
		return errors.Wrapf(ErrInvalidGeometry, "fft crop size must be >= 0, got %d", e.CropSize)
	}
	return nil
}

// PaddedSize is the side of the zero-padded FFT buffer.
func (e Extractor) PaddedSize() int {
	return e.Patch * e.PadFactor
}

// OutputSize is the side of the patches Extract returns.
func (e Extractor) OutputSize() int {
	size := e.PaddedSize()
	if e.CropSize > 0 && e.CropSize < size {
		return e.CropSize
	}
	return size
}

// CropWindow returns the [start, end) range kept along each axis of the
// shifted spectrum. The window is centred on PaddedSize()/2.
func (e Extractor) CropWindow() (start, end int) {
	start = e.PaddedSize()/2 - e.OutputSize()/2
	return start, start + e.OutputSize()
}

// InputSize is the side of the tiles Extract expects.
func (e Extractor) InputSize() int {
	if e.Downsampling > 1 {
		return e.Patch * e.Downsampling
	}
	return e.Patch
}

// Preprocess runs the image-domain steps: high-pass, downsampling, the
// optional transform and min-max pre-normalization. The returned flag is set
// when pre-normalization met a constant image and produced zeros.
func (e Extractor) Preprocess(img mat.Matrix, rng *rand.Rand) (*mat.Dense, bool, error) {
	var out *mat.Dense
	if e.HighPass {
		out = HighPass(img)
	} else {
		out = mat.DenseCopyOf(img)
	}

	out, err := Downsample(out, e.Downsampling)
	if err != nil {
		return nil, false, err
	}

	if e.Transform != nil {
		out = e.Transform(out, rng)
	}

	if !e.PreNormalize {
		return out, false, nil
	}
	out, err = MinMax(out)
	if errors.Is(err, ErrDegeneratePatch) {
		return out, true, nil
	}
	return out, false, err
}

// Spectrum windows a preprocessed Patch×Patch tile, embeds it in the centre
// of the padded buffer, and returns the cropped, shifted FFT magnitude.
func (e Extractor) Spectrum(tile mat.Matrix) (*mat.Dense, error) {
	rows, cols := tile.Dims()
	if rows != e.Patch || cols != e.Patch {
		return nil, errors.Wrapf(ErrShapeMismatch, "tile is %dx%d, patch is %d", rows, cols, e.Patch)
	}

	size := e.PaddedSize()
	buf := mat.NewDense(size, size, nil)
	top := size/2 - e.Patch/2
	window := buf.Slice(top, top+e.Patch, top, top+e.Patch).(*mat.Dense)
	window.MulElem(tile, Hann2D(e.Patch, e.Patch))

	mag := shiftedMagnitude(fft2(buf))
	if e.OutputSize() == size {
		return mag, nil
	}
	return CropCenter(mag, e.OutputSize())
}

// Extract runs the whole single-tile pipeline. degenerate reports that one of
// the min-max normalizations met a constant input; the patch is then all
// zeros (or computed from a zeroed tile) instead of NaN.
func (e Extractor) Extract(tile mat.Matrix, rng *rand.Rand) (patch *mat.Dense, degenerate bool, err error) {
	if err := e.Validate(); err != nil {
		return nil, false, err
	}
	rows, cols := tile.Dims()
	if rows != e.InputSize() || cols != e.InputSize() {
		return nil, false, errors.Wrapf(ErrShapeMismatch, "tile is %dx%d, expected %d", rows, cols, e.InputSize())
	}

	pre, degenerate, err := e.Preprocess(tile, rng)
	if err != nil {
		return nil, false, err
	}
	patch, err = e.Spectrum(pre)
	if err != nil {
		return nil, false, err
	}
	if !e.Normalize {
		return patch, degenerate, nil
	}
	patch, err = MinMax(patch)
	if errors.Is(err, ErrDegeneratePatch) {
		return patch, true, nil
	}
	return patch, degenerate, err
}
