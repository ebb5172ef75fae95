package datasets

import (
	"github.com/Noofbiz/aberration/aberration"
	"github.com/Noofbiz/aberration/fftpatch"
	"github.com/pkg/errors"
)

// Mode selects how an example is turned into features and a target. The set
// of modes is closed: PairedTilt and SinglePatch.
type Mode interface {
	isMode()
	// variants lists the stack arrays the mode reads, in reference order.
	variants() []string
}

// VariantPair names the two stack arrays of a tilt pair, e.g. tiltx and
// tiltnx. Features are spectrum(Plus) - spectrum(Minus).
type VariantPair struct {
	Plus, Minus string
}

// PairedTilt computes the tiled FFT difference of the X and Y tilt pairs over
// the whole image and regresses the cartesian low-order coefficients
// (C10, C12a, C12b, C21a, C21b, C23a, C23b).
type PairedTilt struct {
	X, Y VariantPair

	// Reference appends the same differences computed on the folder's
	// reference images as extra channels.
	Reference bool
}

func (PairedTilt) isMode() {}

func (m PairedTilt) variants() []string {
	return []string{m.X.Plus, m.X.Minus, m.Y.Plus, m.Y.Minus}
}

// SinglePatch extracts one random tile, shared by every variant and by the
// reference images, and regresses the mean second derivatives of the phase
// over that tile.
type SinglePatch struct {
	Variants []string

	// FFTCropSize is the side of the centred window kept from each padded
	// spectrum. Zero keeps the whole spectrum.
	FFTCropSize int

	// TargetHighOrder includes every coefficient of global_p.json in the
	// derivative targets, not only C10, C12, C21, C23 and C30.
	TargetHighOrder bool
}

func (SinglePatch) isMode() {}

func (m SinglePatch) variants() []string {
	return m.Variants
}

// DefaultPairedTilt uses the tiltx/tiltnx and tilty/tiltny pairs.
func DefaultPairedTilt() PairedTilt {
	return PairedTilt{
		X: VariantPair{Plus: "tiltx", Minus: "tiltnx"},
		Y: VariantPair{Plus: "tilty", Minus: "tiltny"},
	}
}

// DefaultSinglePatch uses the X tilt pair and keeps the central 128 pixels of
// each spectrum. The crop only applies when Patch*PadFactor exceeds 128, as
// in DefaultSingleConfig.
func DefaultSinglePatch() SinglePatch {
	return SinglePatch{Variants: []string{"tiltx", "tiltnx"}, FFTCropSize: 128}
}

// Config holds every knob of a RonchiDataset.
type Config struct {
	Mode Mode

	// Patch is the tile side after downsampling.
	Patch        int
	Downsampling int
	PadFactor    int

	// CropBorder pixels are removed from every edge of each image before
	// anything else. Zero keeps the whole image.
	CropBorder int

	// Overlap between neighbouring windows of WholeImage, in full-resolution
	// pixels.
	Overlap int

	HighPass     bool
	PreNormalize bool

	// Normalize is a per-patch [0, 1] min-max in SinglePatch mode and the
	// global signed normalization in PairedTilt mode.
	Normalize bool

	// Transform is applied after downsampling, for augmentation.
	Transform fftpatch.Transform

	// Seed and an internal counter seed the generator of every Example call.
	Seed uint64

	// FolderStart and FolderCount select a slice of the sorted folders.
	// FolderCount 0 means all remaining folders.
	FolderStart int
	FolderCount int

	// Workers bounds the goroutines used by Batch. Zero uses GOMAXPROCS.
	Workers int

	// Evaluator computes the phase and its derivatives. Nil uses
	// aberration.PolynomialEvaluator.
	Evaluator aberration.Evaluator
}

// DefaultConfig returns the paired-tilt configuration used for training.
func DefaultConfig() Config {
	return Config{
		Mode:         DefaultPairedTilt(),
		Patch:        32,
		Downsampling: 2,
		PadFactor:    2,
		HighPass:     true,
		Normalize:    true,
	}
}

// DefaultSingleConfig returns the single-patch configuration used for
// training: 64 pixel tiles at full resolution, padded to a 256 pixel FFT
// buffer and cropped to 128, after removing a 192 pixel border.
func DefaultSingleConfig() Config {
	return Config{
		Mode:         DefaultSinglePatch(),
		Patch:        64,
		Downsampling: 1,
		PadFactor:    4,
		CropBorder:   192,
		HighPass:     true,
		Normalize:    true,
	}
}

// withDefaults fills zero numeric fields. Boolean switches are taken as given.
func (c Config) withDefaults() Config {
	if c.Mode == nil {
		c.Mode = DefaultPairedTilt()
	}
	if c.Patch == 0 {
		c.Patch = 32
	}
	if c.Downsampling == 0 {
		c.Downsampling = 1
	}
	if c.PadFactor == 0 {
		c.PadFactor = 2
	}
	return c
}

// Validate reports configurations that cannot produce examples.
func (c Config) Validate() error {
	if c.Patch <= 0 {
		return configErrorf(nil, "patch must be positive, got %d", c.Patch)
	}
	if c.Downsampling < 1 {
		return configErrorf(nil, "downsampling must be >= 1, got %d", c.Downsampling)
	}
	if c.PadFactor < 1 {
		return configErrorf(nil, "fft pad factor must be >= 1, got %d", c.PadFactor)
	}
	if c.CropBorder < 0 || c.Overlap < 0 || c.FolderStart < 0 || c.FolderCount < 0 || c.Workers < 0 {
		return configErrorf(nil, "crop border, overlap, folder range and workers must be non-negative")
	}
	if c.Overlap >= c.Patch*c.Downsampling {
		return configErrorf(nil, "overlap %d must be smaller than the tile side %d", c.Overlap, c.Patch*c.Downsampling)
	}

	switch m := c.Mode.(type) {
	case PairedTilt:
		for _, v := range m.variants() {
			if v == "" {
				return configErrorf(nil, "paired tilt mode needs all four variant names")
			}
		}
	case SinglePatch:
		if len(m.Variants) == 0 {
			return configErrorf(nil, "single patch mode needs at least one variant")
		}
		if m.FFTCropSize < 0 {
			return configErrorf(nil, "fft crop size must be >= 0, got %d", m.FFTCropSize)
		}
	default:
		return configErrorf(errUnknownMode, "%T", c.Mode)
	}

	if err := c.extractor().Validate(); err != nil {
		return configErrorf(err, "invalid extractor")
	}
	return nil
}

// extractor builds the FFT patch extractor for the configured mode. Paired
// mode normalizes globally afterwards, so its patches are left unscaled.
func (c Config) extractor() fftpatch.Extractor {
	e := fftpatch.Extractor{
		Patch:        c.Patch,
		PadFactor:    c.PadFactor,
		Downsampling: c.Downsampling,
		HighPass:     c.HighPass,
		PreNormalize: c.PreNormalize,
		Transform:    c.Transform,
	}
	if m, ok := c.Mode.(SinglePatch); ok {
		e.CropSize = m.FFTCropSize
		e.Normalize = c.Normalize
	}
	return e
}

var errUnknownMode = errors.New("unknown mode")
