package datasets

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FlatBatch stores a batch in flat contiguous buffers
type FlatBatch struct {
	Features []float32
	Targets  []float32
	Meta     []float32

	BatchSize int
	Channels  int
	Height    int
	Width     int
	TargetDim int
	MetaDim   int
}

// MakeFlatBatch flattens samples into contiguous buffers. All samples must
// share the same feature, target and metadata shapes.
func MakeFlatBatch(samples []Sample) (*FlatBatch, error) {
	if len(samples) == 0 {
		return &FlatBatch{}, nil
	}

	first := samples[0]
	b := &FlatBatch{
		BatchSize: len(samples),
		Channels:  first.Features.Channels,
		Height:    first.Features.Height,
		Width:     first.Features.Width,
		TargetDim: len(first.Target),
		MetaDim:   len(first.Meta),
	}
	featureDim := b.Channels * b.Height * b.Width
	b.Features = make([]float32, 0, b.BatchSize*featureDim)
	b.Targets = make([]float32, 0, b.BatchSize*b.TargetDim)
	b.Meta = make([]float32, 0, b.BatchSize*b.MetaDim)

	for i, s := range samples {
		f := s.Features
		if f.Channels != b.Channels || f.Height != b.Height || f.Width != b.Width || len(f.Data) != featureDim {
			return nil, errors.Errorf("inconsistent feature shape at example %d: expected (%d,%d,%d), got (%d,%d,%d)",
				i, b.Channels, b.Height, b.Width, f.Channels, f.Height, f.Width)
		}
		if len(s.Target) != b.TargetDim {
			return nil, errors.Errorf("inconsistent target dimensions at example %d: expected %d, got %d",
				i, b.TargetDim, len(s.Target))
		}
		if len(s.Meta) != b.MetaDim {
			return nil, errors.Errorf("inconsistent meta dimensions at example %d: expected %d, got %d",
				i, b.MetaDim, len(s.Meta))
		}
		b.Features = append(b.Features, f.Data...)
		b.Targets = append(b.Targets, s.Target...)
		b.Meta = append(b.Meta, s.Meta...)
	}
	return b, nil
}

// ToGomlxTensors converts the batch to gomlx tensors shaped
// [batch, channels, height, width], [batch, targetDim] and [batch, metaDim].
func (b *FlatBatch) ToGomlxTensors() (features, targets, meta *tensors.Tensor, err error) {
	if b.BatchSize == 0 {
		return nil, nil, nil, errors.New("empty batch")
	}
	features = tensors.FromFlatDataAndDimensions(b.Features, b.BatchSize, b.Channels, b.Height, b.Width)
	targets = tensors.FromFlatDataAndDimensions(b.Targets, b.BatchSize, b.TargetDim)
	meta = tensors.FromFlatDataAndDimensions(b.Meta, b.BatchSize, b.MetaDim)
	return features, targets, meta, nil
}

// Loader feeds a Dataset to a gomlx training loop. It follows gomlx's
// train.Dataset contract: Yield returns io.EOF once an epoch is exhausted and
// Reset starts the next one.
type Loader struct {
	// BatchSize for yielding batches
	BatchSize int

	// DropIncomplete skips a final batch smaller than BatchSize.
	DropIncomplete bool

	name    string
	ds      Dataset
	shuffle bool
	rng     *rand.Rand

	mu    sync.Mutex
	order []int
	pos   int
}

// NewLoader creates a loader over ds. With shuffle set, every epoch visits
// the examples in a new order drawn from a generator seeded with seed.
func NewLoader(name string, ds Dataset, batchSize int, shuffle bool, seed uint64) *Loader {
	l := &Loader{
		BatchSize: batchSize,
		name:      name,
		ds:        ds,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewPCG(seed, 0)),
	}
	l.Reset()
	return l
}

// Name returns the name of the loader.
func (l *Loader) Name() string {
	return l.name
}

// Reset starts a new epoch.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.ds.Len()
	if len(l.order) != n {
		l.order = make([]int, n)
	}
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
	l.pos = 0
}

func (l *Loader) next() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.BatchSize
	if size <= 0 {
		size = 1
	}
	remaining := len(l.order) - l.pos
	if remaining <= 0 || (l.DropIncomplete && remaining < size) {
		return nil
	}
	end := min(l.pos+size, len(l.order))
	indices := append([]int(nil), l.order[l.pos:end]...)
	l.pos = end
	return indices
}

// Yield returns the next batch as inputs [features, meta] and labels
// [targets]. It returns io.EOF at the end of the epoch.
func (l *Loader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	indices := l.next()
	if indices == nil {
		return nil, nil, nil, io.EOF
	}
	samples, err := l.ds.Batch(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	flat, err := MakeFlatBatch(samples)
	if err != nil {
		return nil, nil, nil, err
	}
	features, targets, meta, err := flat.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{features, meta}, []*tensors.Tensor{targets}, nil
}
