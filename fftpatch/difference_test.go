package fftpatch

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func TestDifferenceOfImageWithItselfIsZero(t *testing.T) {
	e := Extractor{Patch: 16, PadFactor: 2, Downsampling: 2, HighPass: true, PreNormalize: true}
	img := noiseImage(64, 64, 11)

	diffs, degenerate, err := Difference(img, img, e, nil)
	if err != nil {
		t.Fatalf("Difference failed: %v", err)
	}
	if degenerate {
		t.Fatalf("noise image reported as degenerate")
	}
	// 64 px downsampled by 2 is 32 px, i.e. a 2x2 grid of 16 px tiles.
	if len(diffs) != 4 {
		t.Fatalf("got %d patches, want 4", len(diffs))
	}
	for i, d := range diffs {
		if r, c := d.Dims(); r != 32 || c != 32 {
			t.Fatalf("patch %d is %dx%d, want 32x32", i, r, c)
		}
		if mat.Max(d) != 0 || mat.Min(d) != 0 {
			t.Fatalf("patch %d of self-difference is not zero", i)
		}
	}
}

func TestDifferenceTileOrderIsRowMajor(t *testing.T) {
	e := Extractor{Patch: 8, PadFactor: 1}
	a := mat.NewDense(16, 16, nil)
	// Only the top-right tile carries signal.
	for i := 0; i < 8; i++ {
		for j := 8; j < 16; j++ {
			a.Set(i, j, 1)
		}
	}
	diffs, _, err := Difference(a, mat.NewDense(16, 16, nil), e, nil)
	if err != nil {
		t.Fatalf("Difference failed: %v", err)
	}
	for i, d := range diffs {
		nonZero := mat.Max(d) > 0
		if nonZero != (i == 1) {
			t.Fatalf("patch %d nonzero=%v; only patch 1 should carry signal", i, nonZero)
		}
	}
}

func TestDifferenceShapeMismatch(t *testing.T) {
	e := Extractor{Patch: 8, PadFactor: 1}
	_, _, err := Difference(mat.NewDense(16, 16, nil), mat.NewDense(16, 8, nil), e, nil)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSignedNormalizeBounds(t *testing.T) {
	patches := []*mat.Dense{
		mat.NewDense(2, 2, []float64{4, -2, 0, 1}),
		mat.NewDense(2, 2, []float64{-8, 2, 3, -1}),
	}
	SignedNormalize(patches)

	if got := patches[0].At(0, 0); got != 1 {
		t.Fatalf("global max maps to %v, want 1", got)
	}
	if got := patches[1].At(0, 0); got != -1 {
		t.Fatalf("global min maps to %v, want -1", got)
	}
	if got := patches[0].At(0, 1); got != -0.25 {
		t.Fatalf("-2 maps to %v, want -0.25", got)
	}
	for _, p := range patches {
		if mat.Max(p) > 1 || mat.Min(p) < -1 {
			t.Fatalf("normalized values out of [-1,1]: %v", mat.Formatted(p))
		}
	}
}

// TestSignedNormalizeOneSided covers batches without negative (or without
// any) values: the missing half is left alone instead of producing NaN.
func TestSignedNormalizeOneSided(t *testing.T) {
	positive := []*mat.Dense{mat.NewDense(1, 3, []float64{0, 2, 4})}
	SignedNormalize(positive)
	if got := positive[0].RawRowView(0); got[0] != 0 || got[1] != 0.5 || got[2] != 1 {
		t.Fatalf("positive-only batch normalized to %v", got)
	}

	zeros := []*mat.Dense{mat.NewDense(2, 2, nil)}
	SignedNormalize(zeros)
	for _, v := range zeros[0].RawMatrix().Data {
		if v != 0 || math.IsNaN(v) {
			t.Fatalf("all-zero batch changed to %v", zeros[0].RawMatrix().Data)
		}
	}
}

func TestMinMaxDegenerate(t *testing.T) {
	out, err := MinMax(constantImage(3, 3, 5))
	if !errors.Is(err, ErrDegeneratePatch) {
		t.Fatalf("expected ErrDegeneratePatch, got %v", err)
	}
	if mat.Max(out) != 0 || mat.Min(out) != 0 {
		t.Fatalf("degenerate MinMax output is not zero")
	}
}

func TestHighPassRemovesConstant(t *testing.T) {
	out := HighPass(constantImage(32, 32, 1))
	for _, v := range out.RawMatrix().Data {
		if math.Abs(v) > 1e-12 {
			t.Fatalf("high-pass of a constant image left %v", v)
		}
	}
}

func TestDownsampleAveragesPairs(t *testing.T) {
	m := mat.NewDense(2, 4, []float64{
		0, 2, 4, 6,
		2, 4, 6, 8,
	})
	out, err := Downsample(m, 2)
	if err != nil {
		t.Fatalf("Downsample failed: %v", err)
	}
	if r, c := out.Dims(); r != 1 || c != 2 {
		t.Fatalf("output is %dx%d, want 1x2", r, c)
	}
	if got := out.RawRowView(0); got[0] != 2 || got[1] != 6 {
		t.Fatalf("Downsample = %v, want [2 6]", got)
	}

	if _, err := Downsample(mat.NewDense(1, 1, []float64{1}), 2); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry for 1x1 input, got %v", err)
	}
}

func TestCropCenter(t *testing.T) {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, float64(4*i+j))
		}
	}
	out, err := CropCenter(m, 2)
	if err != nil {
		t.Fatalf("CropCenter failed: %v", err)
	}
	want := mat.NewDense(2, 2, []float64{5, 6, 9, 10})
	if !mat.Equal(out, want) {
		t.Fatalf("CropCenter = %v, want %v", mat.Formatted(out), mat.Formatted(want))
	}
}
