// Command ronchiprep inspects Ronchigram datasets and precomputes training
// caches.
//
//	ronchiprep info   --dir data/train
//	ronchiprep export --dir data/train --mode single --out cache/train.gob --half
//	ronchiprep phase  --dir data/train 0 5 12
//	ronchiprep eval   --dir data/test --mode single --out windows.npy 3
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Noofbiz/aberration/datasets"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// options mirrors datasets.Config as command line flags.
type options struct {
	dir  string
	mode string

	patch        int
	downsampling int
	padFactor    int
	cropBorder   int
	overlap      int

	highPass     bool
	preNormalize bool
	normalize    bool

	seed        uint64
	folderStart int
	folderCount int
	workers     int

	variants  []string
	fftCrop   int
	highOrder bool
	reference bool
}

func (o *options) register(cmd *cobra.Command) {
	def := datasets.DefaultConfig()
	single := datasets.DefaultSinglePatch()

	f := cmd.PersistentFlags()
	f.StringVar(&o.dir, "dir", "", "dataset directory holding one folder per simulation batch")
	f.StringVar(&o.mode, "mode", "paired", "example mode: 'paired' (tilt pair differences) or 'single' (random patch)")
	f.IntVar(&o.patch, "patch", def.Patch, "tile side after downsampling (single mode default 64)")
	f.IntVar(&o.downsampling, "downsampling", def.Downsampling, "bilinear downsampling factor (single mode default 1)")
	f.IntVar(&o.padFactor, "fft-pad", def.PadFactor, "FFT buffer side as a multiple of the tile side (single mode default 4)")
	f.IntVar(&o.cropBorder, "crop-border", 0, "pixels removed from every image edge (single mode default 192)")
	f.IntVar(&o.overlap, "overlap", 0, "window overlap in pixels for eval")
	f.BoolVar(&o.highPass, "high-pass", def.HighPass, "apply the Butterworth high-pass filter")
	f.BoolVar(&o.preNormalize, "pre-normalize", false, "min-max normalize images before windowing")
	f.BoolVar(&o.normalize, "normalize", def.Normalize, "normalize spectra (per patch in single mode, signed global in paired mode)")
	f.Uint64Var(&o.seed, "seed", 0, "seed for patch sampling")
	f.IntVar(&o.folderStart, "folder-start", 0, "index of the first folder to use")
	f.IntVar(&o.folderCount, "folder-count", 0, "number of folders to use (0 = all)")
	f.IntVar(&o.workers, "workers", 0, "parallel workers (0 = GOMAXPROCS)")
	f.StringSliceVar(&o.variants, "variants", single.Variants, "stack variants used in single mode")
	f.IntVar(&o.fftCrop, "fft-crop", single.FFTCropSize, "spectrum crop size in single mode (0 = none)")
	f.BoolVar(&o.highOrder, "high-order", false, "include global_p.json coefficients in single mode targets")
	f.BoolVar(&o.reference, "reference", false, "append reference differences as channels in paired mode")
}

func (o *options) config() (datasets.Config, error) {
	cfg := datasets.DefaultConfig()
	switch strings.ToLower(o.mode) {
	case "paired":
		m := datasets.DefaultPairedTilt()
		m.Reference = o.reference
		cfg.Mode = m
	case "single":
		cfg.Mode = datasets.SinglePatch{Variants: o.variants, FFTCropSize: o.fftCrop, TargetHighOrder: o.highOrder}
	default:
		return cfg, errors.Errorf("unknown mode %q (want paired or single)", o.mode)
	}
	cfg.Patch = o.patch
	cfg.Downsampling = o.downsampling
	cfg.PadFactor = o.padFactor
	cfg.CropBorder = o.cropBorder
	cfg.Overlap = o.overlap
	cfg.HighPass = o.highPass
	cfg.PreNormalize = o.preNormalize
	cfg.Normalize = o.normalize
	cfg.Seed = o.seed
	cfg.FolderStart = o.folderStart
	cfg.FolderCount = o.folderCount
	cfg.Workers = o.workers
	return cfg, nil
}

// modeDefaults replaces the geometry flags left unset with the defaults of
// the selected mode.
func (o *options) modeDefaults(flags *pflag.FlagSet) {
	def := datasets.DefaultConfig()
	if strings.ToLower(o.mode) == "single" {
		def = datasets.DefaultSingleConfig()
	}
	set := func(name string, dst *int, v int) {
		if !flags.Changed(name) {
			*dst = v
		}
	}
	set("patch", &o.patch, def.Patch)
	set("downsampling", &o.downsampling, def.Downsampling)
	set("fft-pad", &o.padFactor, def.PadFactor)
	set("crop-border", &o.cropBorder, def.CropBorder)
}

// key describes everything that changes which examples a cache holds and
// their content. The exported positions themselves are checked by
// precompute.Load.
func (o *options) key() string {
	return fmt.Sprintf("%s|folders=%d+%d|variants=%s|patch=%d|ds=%d|pad=%d|crop=%d|fftcrop=%d|hp=%t|pre=%t|norm=%t|ho=%t|ref=%t|seed=%d",
		o.mode, o.folderStart, o.folderCount, strings.Join(o.variants, ","), o.patch, o.downsampling, o.padFactor, o.cropBorder, o.fftCrop,
		o.highPass, o.preNormalize, o.normalize, o.highOrder, o.reference, o.seed)
}

func (o *options) open() (*datasets.RonchiDataset, error) {
	if o.dir == "" {
		return nil, errors.New("--dir is required")
	}
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return datasets.New(o.dir, cfg)
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "ronchiprep",
		Short:         "Prepare Ronchigram aberration datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			o.modeDefaults(cmd.Flags())
		},
	}
	o.register(root)

	for _, cmd := range []*cobra.Command{
		newInfoCmd(o),
		newExportCmd(o),
		newPhaseCmd(o),
		newEvalCmd(o),
	} {
		root.AddCommand(cmd)
	}
	return root
}

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)

	root := newRootCmd(&options{})
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	err := root.Execute()
	klog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
