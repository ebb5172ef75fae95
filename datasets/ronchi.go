package datasets

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/Noofbiz/aberration/aberration"
	"github.com/Noofbiz/aberration/fftpatch"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// ExampleID selects one image set: a folder and an index into its stack.
type ExampleID struct {
	Folder string
	Index  int
}

func (id ExampleID) String() string {
	return fmt.Sprintf("%s%03d", id.Folder, id.Index)
}

// Tensor3 is a channels x height x width float32 tensor in row-major order.
type Tensor3 struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

func stackPatches(patches []*mat.Dense) Tensor3 {
	if len(patches) == 0 {
		return Tensor3{}
	}
	h, w := patches[0].Dims()
	t := Tensor3{Data: make([]float32, 0, len(patches)*h*w), Channels: len(patches), Height: h, Width: w}
	for _, p := range patches {
		for i := 0; i < h; i++ {
			for _, v := range p.RawRowView(i) {
				t.Data = append(t.Data, float32(v))
			}
		}
	}
	return t
}

// Sample is one training example.
type Sample struct {
	ID       ExampleID
	Features Tensor3
	Target   []float32
	Meta     []float32

	// Patch is the tile the features and target were taken from in
	// SinglePatch mode. It is the zero Patch in PairedTilt mode, which uses
	// the whole image.
	Patch Patch

	// Degenerate is set when a normalization met a constant input and
	// produced zeros instead of NaN.
	Degenerate bool
}

type folder struct {
	name  string
	path  string
	count int
	side  int // after border crop
}

// RonchiDataset serves examples from a directory of Ronchigram folders. Each
// folder holds ronchi_stack.npz, meta.csv and, depending on the mode,
// reference images and global_p.json.
//
// Folders and their example counts are enumerated once by New; image data is
// read lazily on every call. A RonchiDataset is safe for concurrent use.
type RonchiDataset struct {
	// Dir is the root directory that was scanned.
	Dir string

	cfg       Config
	extractor fftpatch.Extractor
	computer  aberration.Computer
	sampler   PatchSampler

	folders []folder

	// Cumulative counts for fast index mapping
	cumCounts []int

	totalExamples int

	calls atomic.Uint64
}

// New scans dir and returns a dataset over its sub-directories, sorted by
// name. Any inconsistency in the layout is reported as a *ConfigError.
func New(dir string, cfg Config) (*RonchiDataset, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &RonchiDataset{
		Dir:       dir,
		cfg:       cfg,
		extractor: cfg.extractor(),
		computer:  aberration.Computer{Evaluator: cfg.Evaluator},
	}
	if err := d.scanFolders(); err != nil {
		return nil, err
	}
	d.buildIndex()
	if d.totalExamples == 0 {
		return nil, configErrorf(nil, "no examples found in %s", dir)
	}

	klog.V(1).Infof("dataset %s: %d examples in %d folders (%T)", dir, d.totalExamples, len(d.folders), cfg.Mode)
	return d, nil
}

func (d *RonchiDataset) scanFolders() error {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return configErrorf(err, "failed to read %s", d.Dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if d.cfg.FolderStart > len(names) {
		return configErrorf(nil, "folder start %d beyond %d folders", d.cfg.FolderStart, len(names))
	}
	names = names[d.cfg.FolderStart:]
	if d.cfg.FolderCount > 0 && d.cfg.FolderCount < len(names) {
		names = names[:d.cfg.FolderCount]
	}

	for _, name := range names {
		f, err := d.inspectFolder(name)
		if err != nil {
			return err
		}
		if len(d.folders) > 0 {
			first := d.folders[0]
			c0, h0, w0 := d.folderShape(first)
			c, h, w := d.folderShape(f)
			if c != c0 || h != h0 || w != w0 {
				return configErrorf(nil, "folder %s: %d pixel images give features (%d,%d,%d), folder %s gives (%d,%d,%d)",
					name, f.side, c, h, w, first.name, c0, h0, w0)
			}
		}
		d.folders = append(d.folders, f)
	}
	return nil
}

// inspectFolder checks one folder against the configuration without reading
// any image data.
func (d *RonchiDataset) inspectFolder(name string) (folder, error) {
	f := folder{name: name, path: filepath.Join(d.Dir, name)}

	stackPath := filepath.Join(f.path, StackFile)
	ar, err := openArchive(stackPath)
	if err != nil {
		return f, configErrorf(err, "folder %s: cannot open %s", name, StackFile)
	}
	defer ar.Close()

	var shape []int
	for _, v := range d.cfg.Mode.variants() {
		s, err := ar.shape(v)
		if err != nil {
			return f, configErrorf(err, "folder %s: variant %q (stack has %v)", name, v, ar.names())
		}
		if len(s) != 3 {
			return f, configErrorf(nil, "folder %s: variant %q has shape %v, want (n, rows, cols)", name, v, s)
		}
		if shape == nil {
			shape = s
			continue
		}
		if s[0] != shape[0] || s[1] != shape[1] || s[2] != shape[2] {
			return f, configErrorf(nil, "folder %s: variant %q has shape %v, others %v", name, v, s, shape)
		}
	}
	if shape[1] != shape[2] {
		return f, configErrorf(nil, "folder %s: images must be square, got %dx%d", name, shape[1], shape[2])
	}
	f.count = shape[0]

	metaPath := filepath.Join(f.path, MetaFile)
	if err := checkMetaHeader(metaPath); err != nil {
		return f, configErrorf(err, "folder %s: %s", name, MetaFile)
	}
	rows, err := countCSVRows(metaPath)
	if err != nil {
		return f, configErrorf(err, "folder %s: failed to count rows in %s", name, MetaFile)
	}
	if rows < f.count {
		return f, configErrorf(nil, "folder %s: %s has %d rows for %d images", name, MetaFile, rows, f.count)
	}

	f.side = shape[1] - 2*d.cfg.CropBorder
	if f.side <= 0 {
		return f, configErrorf(nil, "folder %s: crop border %d removes the whole %d pixel image", name, d.cfg.CropBorder, shape[1])
	}
	if f.side < d.cfg.Patch*d.cfg.Downsampling {
		return f, configErrorf(ErrPatchExceedsImage, "folder %s: patch %d x downsampling %d on a %d pixel image",
			name, d.cfg.Patch, d.cfg.Downsampling, f.side)
	}

	if d.needsReference() && !hasReference(f.path) {
		return f, configErrorf(ErrReferenceNotFound, "folder %s: neither %s nor %s present", name, ReferenceNPY, ReferenceNPZ)
	}
	return f, nil
}

func (d *RonchiDataset) needsReference() bool {
	switch m := d.cfg.Mode.(type) {
	case PairedTilt:
		return m.Reference
	case SinglePatch:
		return true
	}
	return false
}

func hasReference(dir string) bool {
	for _, name := range []string{ReferenceNPY, ReferenceNPZ} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// buildIndex builds cumulative counts over the folders
func (d *RonchiDataset) buildIndex() {
	d.cumCounts = make([]int, len(d.folders)+1)
	for i, f := range d.folders {
		d.cumCounts[i+1] = d.cumCounts[i] + f.count
	}
	d.totalExamples = d.cumCounts[len(d.folders)]
}

// Len returns the total number of examples across all folders.
func (d *RonchiDataset) Len() int {
	return d.totalExamples
}

// FolderInfo summarizes one scanned folder.
type FolderInfo struct {
	Name     string
	Examples int
	Side     int // image side after the border crop
}

// Folders lists the scanned folders in index order.
func (d *RonchiDataset) Folders() []FolderInfo {
	out := make([]FolderInfo, len(d.folders))
	for i, f := range d.folders {
		out[i] = FolderInfo{Name: f.name, Examples: f.count, Side: f.side}
	}
	return out
}

// Config returns the configuration in use, with defaults applied.
func (d *RonchiDataset) Config() Config {
	return d.cfg
}

// mapGlobalIndex maps a global index to (folder index, index within folder).
func (d *RonchiDataset) mapGlobalIndex(globalIdx int) (folderIdx, localIdx int) {
	folderIdx = sort.Search(len(d.folders), func(i int) bool {
		return globalIdx < d.cumCounts[i+1]
	})
	return folderIdx, globalIdx - d.cumCounts[folderIdx]
}

func (d *RonchiDataset) locate(i int) (folder, ExampleID, error) {
	if i < 0 || i >= d.totalExamples {
		return folder{}, ExampleID{}, errors.Wrapf(ErrIndexOutOfRange, "index %d not in [0, %d)", i, d.totalExamples)
	}
	fi, local := d.mapGlobalIndex(i)
	f := d.folders[fi]
	return f, ExampleID{Folder: f.name, Index: local}, nil
}

// ID returns the identifier of example i.
func (d *RonchiDataset) ID(i int) (ExampleID, error) {
	_, id, err := d.locate(i)
	return id, err
}

// IDs lists every example in index order.
func (d *RonchiDataset) IDs() []ExampleID {
	ids := make([]ExampleID, 0, d.totalExamples)
	for _, f := range d.folders {
		for j := range f.count {
			ids = append(ids, ExampleID{Folder: f.name, Index: j})
		}
	}
	return ids
}

// Meta reads the metadata row of example i.
func (d *RonchiDataset) Meta(i int) (Meta, error) {
	f, id, err := d.locate(i)
	if err != nil {
		return Meta{}, err
	}
	return readMeta(filepath.Join(f.path, MetaFile), id.Index)
}

// Example builds example i with a fresh generator seeded from Config.Seed and
// a per-dataset call counter, so concurrent calls never share random state.
func (d *RonchiDataset) Example(i int) (Sample, error) {
	rng := rand.New(rand.NewPCG(d.cfg.Seed, d.calls.Add(1)))
	return d.ExampleWithRand(i, rng)
}

// ExampleWithRand builds example i drawing all randomness from rng. A nil rng
// behaves like Example.
func (d *RonchiDataset) ExampleWithRand(i int, rng *rand.Rand) (Sample, error) {
	if rng == nil {
		rng = rand.New(rand.NewPCG(d.cfg.Seed, d.calls.Add(1)))
	}
	f, id, err := d.locate(i)
	if err != nil {
		return Sample{}, err
	}
	meta, err := readMeta(filepath.Join(f.path, MetaFile), id.Index)
	if err != nil {
		return Sample{}, err
	}

	var s Sample
	switch m := d.cfg.Mode.(type) {
	case PairedTilt:
		s, err = d.pairedExample(f, id, meta, m, rng)
	case SinglePatch:
		s, err = d.singleExample(f, id, meta, m, rng)
	default:
		err = errors.Wrapf(errUnknownMode, "%T", d.cfg.Mode)
	}
	if err != nil {
		return Sample{}, errors.Wrapf(err, "example %s", id)
	}
	s.ID = id
	s.Meta = meta.Vector()
	if s.Degenerate {
		klog.Warningf("example %s: zero dynamic range during normalization, patch replaced by zeros", id)
	}
	return s, nil
}

func (d *RonchiDataset) cropAll(images []*mat.Dense) error {
	for i, img := range images {
		c, err := fftpatch.CropBorder(img, d.cfg.CropBorder)
		if err != nil {
			return err
		}
		images[i] = c
	}
	return nil
}

func (d *RonchiDataset) loadImages(f folder, id ExampleID, variants []string) ([]*mat.Dense, error) {
	images, err := loadStackImage(f.path, variants, id.Index)
	if err != nil {
		return nil, err
	}
	return images, d.cropAll(images)
}

func (d *RonchiDataset) loadReferences(f folder, variants []string) ([]*mat.Dense, error) {
	positions := make([]int, len(variants))
	for i := range positions {
		positions[i] = i
	}
	refs, err := loadReference(f.path, variants, positions)
	if err != nil {
		return nil, err
	}
	return refs, d.cropAll(refs)
}

// pairDifferences returns the X pair grid followed by the Y pair grid.
// images holds X.Plus, X.Minus, Y.Plus, Y.Minus.
func (d *RonchiDataset) pairDifferences(images []*mat.Dense, rng *rand.Rand) ([]*mat.Dense, bool, error) {
	x, degX, err := fftpatch.Difference(images[0], images[1], d.extractor, rng)
	if err != nil {
		return nil, false, errors.Wrap(err, "x tilt pair")
	}
	y, degY, err := fftpatch.Difference(images[2], images[3], d.extractor, rng)
	if err != nil {
		return nil, false, errors.Wrap(err, "y tilt pair")
	}
	return append(x, y...), degX || degY, nil
}

func (d *RonchiDataset) pairedExample(f folder, id ExampleID, meta Meta, m PairedTilt, rng *rand.Rand) (Sample, error) {
	images, err := d.loadImages(f, id, m.variants())
	if err != nil {
		return Sample{}, err
	}
	patches, degenerate, err := d.pairDifferences(images, rng)
	if err != nil {
		return Sample{}, err
	}
	if d.cfg.Normalize {
		fftpatch.SignedNormalize(patches)
	}

	if m.Reference {
		refs, err := d.loadReferences(f, m.variants())
		if err != nil {
			return Sample{}, err
		}
		refPatches, refDegenerate, err := d.pairDifferences(refs, rng)
		if err != nil {
			return Sample{}, errors.Wrap(err, "reference")
		}
		if d.cfg.Normalize {
			fftpatch.SignedNormalize(refPatches)
		}
		patches = append(patches, refPatches...)
		degenerate = degenerate || refDegenerate
	}

	// Cs is not part of the paired target.
	polar := meta.Polar()
	delete(polar, aberration.C30)
	target, err := polar.Cartesian().Vector(aberration.LowOrderNames...)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Features:   stackPatches(patches),
		Target:     toFloat32(target),
		Degenerate: degenerate,
	}, nil
}

func (d *RonchiDataset) singleExample(f folder, id ExampleID, meta Meta, m SinglePatch, rng *rand.Rand) (Sample, error) {
	images, err := d.loadImages(f, id, m.Variants)
	if err != nil {
		return Sample{}, err
	}
	side, _ := images[0].Dims()
	patch, err := d.sampler.Sample(rng, side, d.cfg.Patch, d.cfg.Downsampling)
	if err != nil {
		return Sample{}, err
	}

	refs, err := d.loadReferences(f, m.Variants)
	if err != nil {
		return Sample{}, err
	}

	var (
		patches    []*mat.Dense
		degenerate bool
	)
	for _, img := range append(images, refs...) {
		tile, err := fftpatch.Tile(img, patch.Row, patch.Col, patch.Size)
		if err != nil {
			return Sample{}, err
		}
		p, deg, err := d.extractor.Extract(tile, rng)
		if err != nil {
			return Sample{}, err
		}
		patches = append(patches, p)
		degenerate = degenerate || deg
	}

	target, err := d.patchTarget(f, meta, side, patch, m.TargetHighOrder)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Features:   stackPatches(patches),
		Target:     target,
		Patch:      patch,
		Degenerate: degenerate,
	}, nil
}

// patchTarget averages du², dv² and duv over the patch. The derivative maps
// are evaluated on the grid of the border-cropped image, the same frame the
// patch was sampled in.
func (d *RonchiDataset) patchTarget(f folder, meta Meta, side int, patch Patch, highOrder bool) ([]float32, error) {
	global, err := readGlobalParams(f.path)
	if err != nil {
		return nil, err
	}
	polar := meta.Polar().Merge(global)
	grid := aberration.NewGrid(side, meta.KSamplingMrad)
	r0, r1, c0, c1 := patch.Bounds()
	mean, err := d.computer.Derivatives(polar, grid, highOrder).RegionMean(r0, r1, c0, c1)
	if err != nil {
		return nil, err
	}
	return toFloat32(mean[:]), nil
}

// PhaseMap evaluates the low-order phase over the border-cropped image of
// example i. The report carries a warning when the phase exceeds 2π.
func (d *RonchiDataset) PhaseMap(i int) (aberration.PhaseReport, error) {
	f, id, err := d.locate(i)
	if err != nil {
		return aberration.PhaseReport{}, err
	}
	meta, err := readMeta(filepath.Join(f.path, MetaFile), id.Index)
	if err != nil {
		return aberration.PhaseReport{}, err
	}
	return d.computer.PhaseCheck(meta.Polar(), aberration.NewGrid(f.side, meta.KSamplingMrad)), nil
}

// WholeImage is the windowed evaluation of a full image.
type WholeImage struct {
	ID ExampleID

	// Rows and Cols count the windows along each axis.
	Rows, Cols int

	// Windows holds one tensor per window in row-major order. Its channels
	// are the variants followed by their references.
	Windows []Tensor3

	Degenerate bool
}

// WholeImage tiles the border-cropped images of example i into windows of
// Patch*Downsampling pixels that overlap by Config.Overlap, and extracts the
// spectrum of every variant and reference image in each window.
func (d *RonchiDataset) WholeImage(i int) (WholeImage, error) {
	f, id, err := d.locate(i)
	if err != nil {
		return WholeImage{}, err
	}
	variants := d.cfg.Mode.variants()
	images, err := d.loadImages(f, id, variants)
	if err != nil {
		return WholeImage{}, err
	}
	refs, err := d.loadReferences(f, variants)
	if err != nil {
		return WholeImage{}, err
	}
	images = append(images, refs...)

	size := d.extractor.InputSize()
	stride := size - d.cfg.Overlap
	n := (f.side-size)/stride + 1
	out := WholeImage{ID: id, Rows: n, Cols: n, Windows: make([]Tensor3, 0, n*n)}
	rng := rand.New(rand.NewPCG(d.cfg.Seed, d.calls.Add(1)))

	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			top, left := r*stride, c*stride
			patches := make([]*mat.Dense, len(images))
			for k, img := range images {
				window := img.Slice(top, top+size, left, left+size)
				p, deg, err := d.extractor.Extract(window, rng)
				if err != nil {
					return WholeImage{}, errors.Wrapf(err, "example %s: window (%d,%d)", id, r, c)
				}
				patches[k] = p
				out.Degenerate = out.Degenerate || deg
			}
			out.Windows = append(out.Windows, stackPatches(patches))
		}
	}
	return out, nil
}

// DataShape reports the feature shape shared by every example. New rejects
// folders whose shapes differ.
func (d *RonchiDataset) DataShape() (channels, height, width int) {
	return d.folderShape(d.folders[0])
}

func (d *RonchiDataset) folderShape(f folder) (channels, height, width int) {
	size := d.extractor.OutputSize()
	switch m := d.cfg.Mode.(type) {
	case PairedTilt:
		n := (f.side / d.cfg.Downsampling) / d.cfg.Patch
		channels = 2 * n * n
		if m.Reference {
			channels *= 2
		}
	case SinglePatch:
		channels = 2 * len(m.Variants)
	}
	return channels, size, size
}

// Batch builds the examples at indices in parallel. The result keeps the
// order of indices; the first error aborts the batch.
func (d *RonchiDataset) Batch(indices []int) ([]Sample, error) {
	out := make([]Sample, len(indices))
	var g errgroup.Group
	g.SetLimit(d.workers())
	for pos, idx := range indices {
		g.Go(func() error {
			s, err := d.Example(idx)
			if err != nil {
				return err
			}
			out[pos] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *RonchiDataset) workers() int {
	if d.cfg.Workers > 0 {
		return d.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
