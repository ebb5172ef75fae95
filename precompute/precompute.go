// Package precompute materializes a dataset into an on-disk gob cache so
// training can skip the FFT pipeline. A Cache is itself a datasets.Dataset and
// can be fed to a datasets.Loader.
package precompute

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Noofbiz/aberration/datasets"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const cacheVersion = 1

// ErrCacheMismatch is returned by Load when a cache was built for another
// format version or configuration.
var ErrCacheMismatch = errors.New("cache does not match")

// Options control Build.
type Options struct {
	// Workers bounds the goroutines; 0 uses GOMAXPROCS.
	Workers int

	// Progress is the interval between progress log lines; 0 disables them.
	Progress time.Duration

	// Half stores features as IEEE 754 half-precision floats.
	Half bool

	// Key identifies the configuration the cache is built from. Load refuses
	// a cache whose key differs.
	Key string
}

// Cache is the on-disk representation of precomputed examples. It includes
// metadata to validate cache integrity.
type Cache struct {
	Version   int
	Key       string
	CreatedAt int64

	IDs        []datasets.ExampleID
	Indices    []int // positions in the source dataset
	Degenerate []bool
	Patches    []datasets.Patch

	Channels, Height, Width int

	// Exactly one of Features and HalfFeatures is set.
	Features     [][]float32
	HalfFeatures [][]uint16

	Targets [][]float32
	Meta    [][]float32
}

// Build computes the examples at indices with a bounded worker pool. Results
// keep the order of indices. The first error cancels the remaining work.
func Build(ctx context.Context, ds datasets.Dataset, indices []int, opts Options) (*Cache, error) {
	n := len(indices)
	c := &Cache{
		Version:    cacheVersion,
		Key:        opts.Key,
		CreatedAt:  time.Now().Unix(),
		IDs:        make([]datasets.ExampleID, n),
		Indices:    append([]int(nil), indices...),
		Degenerate: make([]bool, n),
		Patches:    make([]datasets.Patch, n),
		Targets:    make([][]float32, n),
		Meta:       make([][]float32, n),
	}
	c.Channels, c.Height, c.Width = ds.DataShape()
	if opts.Half {
		c.HalfFeatures = make([][]uint16, n)
	} else {
		c.Features = make([][]float32, n)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var done atomic.Int64
	stopProgress := startProgress(opts.Progress, n, &done)
	defer stopProgress()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for pos, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := ds.Example(idx)
			if err != nil {
				return errors.Wrapf(err, "read example %d", idx)
			}
			if f := s.Features; f.Channels != c.Channels || f.Height != c.Height || f.Width != c.Width {
				return errors.Errorf("example %d has feature shape (%d,%d,%d), dataset reports (%d,%d,%d)",
					idx, s.Features.Channels, s.Features.Height, s.Features.Width, c.Channels, c.Height, c.Width)
			}
			c.IDs[pos] = s.ID
			c.Degenerate[pos] = s.Degenerate
			c.Patches[pos] = s.Patch
			c.Targets[pos] = s.Target
			c.Meta[pos] = s.Meta
			if opts.Half {
				c.HalfFeatures[pos] = toHalf(s.Features.Data)
			} else {
				c.Features[pos] = s.Features.Data
			}
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c, nil
}

// startProgress logs periodically until the returned function is called.
func startProgress(interval time.Duration, n int, done *atomic.Int64) func() {
	if interval <= 0 || n == 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d := done.Load()
				klog.Infof("[precompute] progress: %d/%d (%.1f%%)", d, n, float64(d)/float64(n)*100)
			case <-stop:
				klog.Infof("[precompute] completed: %d/%d", done.Load(), n)
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-finished
	}
}

func toHalf(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}

func fromHalf(v []uint16) []float32 {
	out := make([]float32, len(v))
	for i, b := range v {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}

// Save writes the cache with an atomic temp-file rename and returns the
// number of bytes written.
func (c *Cache) Save(path string) (int64, error) {
	if path == "" {
		return 0, errors.New("empty cache path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "mkdir %s", dir)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return 0, errors.Wrap(err, "create temp cache file")
	}
	tmpName := tmpFile.Name()
	// After a successful rename the temp name no longer exists.
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := gob.NewEncoder(tmpFile).Encode(c); err != nil {
		return 0, errors.Wrap(err, "encode cache to temp file")
	}
	if err := tmpFile.Sync(); err != nil {
		klog.Warningf("sync temp cache file: %v", err)
	}
	info, err := tmpFile.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat temp cache file")
	}
	if err := tmpFile.Close(); err != nil {
		return 0, errors.Wrap(err, "close temp cache file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, errors.Wrap(err, "rename temp cache to target")
	}
	return info.Size(), nil
}

// Load reads a cache and checks that it was built with the given key. When
// indices is non-nil the cache must hold exactly those source positions, in
// that order.
func Load(path, key string, indices []int) (*Cache, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open cache file %s", path)
	}
	defer fh.Close()

	var c Cache
	if err := gob.NewDecoder(fh).Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "decode cache %s", path)
	}
	if c.Version != cacheVersion {
		return nil, errors.Wrapf(ErrCacheMismatch, "version: cache=%d expected=%d", c.Version, cacheVersion)
	}
	if c.Key != key {
		return nil, errors.Wrapf(ErrCacheMismatch, "key: cache=%q expected=%q", c.Key, key)
	}
	if indices != nil {
		if len(c.Indices) != len(indices) {
			return nil, errors.Wrapf(ErrCacheMismatch, "indices length: cache=%d expected=%d", len(c.Indices), len(indices))
		}
		for i := range indices {
			if c.Indices[i] != indices[i] {
				return nil, errors.Wrapf(ErrCacheMismatch, "index at pos %d: cache=%d expected=%d", i, c.Indices[i], indices[i])
			}
		}
	}
	n := len(c.IDs)
	if len(c.Indices) != n || len(c.Targets) != n || len(c.Meta) != n || len(c.Patches) != n || (len(c.Features) != n && len(c.HalfFeatures) != n) {
		return nil, errors.Errorf("cache %s is truncated: %d ids, %d targets", path, n, len(c.Targets))
	}
	return &c, nil
}

// Len returns the number of cached examples.
func (c *Cache) Len() int {
	return len(c.IDs)
}

// Example returns cached example i. Half-precision features are widened back
// to float32.
func (c *Cache) Example(i int) (datasets.Sample, error) {
	if i < 0 || i >= c.Len() {
		return datasets.Sample{}, errors.Wrapf(datasets.ErrIndexOutOfRange, "index %d not in [0, %d)", i, c.Len())
	}
	var data []float32
	if c.HalfFeatures != nil {
		data = fromHalf(c.HalfFeatures[i])
	} else {
		data = c.Features[i]
	}
	return datasets.Sample{
		ID:         c.IDs[i],
		Features:   datasets.Tensor3{Data: data, Channels: c.Channels, Height: c.Height, Width: c.Width},
		Target:     c.Targets[i],
		Meta:       c.Meta[i],
		Patch:      c.Patches[i],
		Degenerate: c.Degenerate[i],
	}, nil
}

// Batch returns the cached examples at indices.
func (c *Cache) Batch(indices []int) ([]datasets.Sample, error) {
	out := make([]datasets.Sample, len(indices))
	for pos, idx := range indices {
		s, err := c.Example(idx)
		if err != nil {
			return nil, err
		}
		out[pos] = s
	}
	return out, nil
}

// DataShape reports the feature shape of every cached example.
func (c *Cache) DataShape() (channels, height, width int) {
	return c.Channels, c.Height, c.Width
}

var _ datasets.Dataset = (*Cache)(nil)
