package fftpatch

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// noiseImage returns a reproducible pseudo-random image.
func noiseImage(rows, cols int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, 7))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(rows, cols, data)
}

func constantImage(rows, cols int, v float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(rows, cols, data)
}

func TestHannMatchesNumpy(t *testing.T) {
	got := Hann(5)
	want := []float64{0, 0.5, 1, 0.5, 0}
	if !cmp.Equal(got, want, cmpopts.EquateApprox(0, 1e-12)) {
		t.Fatalf("Hann(5) = %v, want %v", got, want)
	}
	if w := Hann(1); len(w) != 1 || w[0] != 1 {
		t.Fatalf("Hann(1) = %v, want [1]", w)
	}
}

// TestExtractorGeometry checks the padded buffer and crop window for a 32
// pixel patch padded by 2: a 64 pixel buffer cropped around index 32.
func TestExtractorGeometry(t *testing.T) {
	e := Extractor{Patch: 32, PadFactor: 2}
	if got := e.PaddedSize(); got != 64 {
		t.Fatalf("PaddedSize = %d, want 64", got)
	}
	start, end := e.CropWindow()
	if start != 0 || end != 64 || (start+end)/2 != 32 {
		t.Fatalf("CropWindow = [%d,%d), want [0,64) centred at 32", start, end)
	}

	e.CropSize = 32
	start, end = e.CropWindow()
	if start != 16 || end != 48 || (start+end)/2 != 32 {
		t.Fatalf("cropped CropWindow = [%d,%d), want [16,48)", start, end)
	}
}

func TestExtractOutputSizeAndDeterminism(t *testing.T) {
	e := Extractor{
		Patch:        16,
		PadFactor:    4,
		CropSize:     32,
		Downsampling: 2,
		HighPass:     true,
		PreNormalize: true,
		Normalize:    true,
	}
	tile := noiseImage(32, 32, 1)

	first, degenerate, err := e.Extract(tile, nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if degenerate {
		t.Fatalf("noise tile reported as degenerate")
	}
	if r, c := first.Dims(); r != 32 || c != 32 {
		t.Fatalf("output is %dx%d, want 32x32", r, c)
	}
	if mat.Max(first) != 1 || mat.Min(first) != 0 {
		t.Fatalf("normalized patch range [%v,%v], want [0,1]", mat.Min(first), mat.Max(first))
	}

	second, _, err := e.Extract(tile, nil)
	if err != nil {
		t.Fatalf("second Extract failed: %v", err)
	}
	if !mat.Equal(first, second) {
		t.Fatalf("Extract is not deterministic for identical input")
	}
}

func TestExtractRejectsWrongTileSize(t *testing.T) {
	e := Extractor{Patch: 16, PadFactor: 2, Downsampling: 2}
	_, _, err := e.Extract(noiseImage(16, 16, 2), nil)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

// TestSpectrumCentresDC verifies that the zero frequency of a windowed
// positive tile lands in the middle of the padded buffer.
func TestSpectrumCentresDC(t *testing.T) {
	e := Extractor{Patch: 8, PadFactor: 2}
	mag, err := e.Spectrum(constantImage(8, 8, 1))
	if err != nil {
		t.Fatalf("Spectrum failed: %v", err)
	}
	peak := mag.At(8, 8)
	if peak != mat.Max(mag) {
		t.Fatalf("DC at (8,8) = %v is not the maximum %v", peak, mat.Max(mag))
	}
	var sum float64
	for _, w := range Hann(8) {
		sum += w
	}
	if math.Abs(peak-sum*sum) > 1e-9 {
		t.Fatalf("DC magnitude %v, want sum of window %v", peak, sum*sum)
	}
}

func TestExtractDegenerateReturnsZeros(t *testing.T) {
	e := Extractor{Patch: 8, PadFactor: 2, Normalize: true}
	patch, degenerate, err := e.Extract(mat.NewDense(8, 8, nil), nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !degenerate {
		t.Fatalf("zero tile should be reported as degenerate")
	}
	if mat.Max(patch) != 0 || mat.Min(patch) != 0 {
		t.Fatalf("degenerate patch is not all zeros")
	}
}

func TestTransformReceivesRand(t *testing.T) {
	var calls int
	e := Extractor{
		Patch:     8,
		PadFactor: 1,
		Transform: func(img *mat.Dense, rng *rand.Rand) *mat.Dense {
			calls++
			if rng == nil {
				t.Fatalf("transform called without rng")
			}
			img.Scale(2, img)
			return img
		},
	}
	_, _, err := e.Extract(noiseImage(8, 8, 3), rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("transform called %d times, want 1", calls)
	}
}
