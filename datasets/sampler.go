package datasets

import (
	"math/rand/v2"
)

// Patch is a square region of the border-cropped image, given as tile indices
// and the tile side in full-resolution pixels.
type Patch struct {
	Row, Col int
	Size     int
}

// Bounds returns the pixel range [r0, r1) x [c0, c1) covered by the patch.
func (p Patch) Bounds() (r0, r1, c0, c1 int) {
	r0, c0 = p.Row*p.Size, p.Col*p.Size
	return r0, r0 + p.Size, c0, c0 + p.Size
}

// PatchSampler picks tile positions uniformly. It holds no state; all
// randomness comes from the generator passed in.
type PatchSampler struct{}

// Sample draws row and col uniformly from [0, side/(patch*downsampling)).
func (PatchSampler) Sample(rng *rand.Rand, side, patch, downsampling int) (Patch, error) {
	if downsampling < 1 {
		downsampling = 1
	}
	size := patch * downsampling
	if patch <= 0 || side < size {
		return Patch{}, configErrorf(ErrPatchExceedsImage, "patch %d x downsampling %d on a %d pixel image", patch, downsampling, side)
	}
	n := side / size
	return Patch{Row: rng.IntN(n), Col: rng.IntN(n), Size: size}, nil
}
