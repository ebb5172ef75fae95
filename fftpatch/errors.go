package fftpatch

import "github.com/pkg/errors"

var (
	// ErrDegeneratePatch is returned by MinMax when the input has zero
	// dynamic range (max == min). The accompanying result is all zeros.
	ErrDegeneratePatch = errors.New("degenerate patch: zero dynamic range")

	// ErrShapeMismatch reports two images or tiles that should share a shape
	// but do not.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidGeometry reports a patch, pad or crop configuration that
	// cannot produce an output.
	ErrInvalidGeometry = errors.New("invalid patch geometry")
)
