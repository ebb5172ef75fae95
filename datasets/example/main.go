package main

// Example command that loads a Ronchigram dataset in both modes, builds a
// small batch and converts it into gomlx tensors.
//
// Images are read lazily: constructing the dataset only inspects array
// headers and meta.csv, and each example reads the arrays it needs.
//
// Usage:
//   go run ./datasets/example -dir ../assets/ronchigrams/train/

import (
	"flag"
	"fmt"
	"log"

	"github.com/Noofbiz/aberration/datasets"
)

func main() {
	dir := flag.String("dir", "../assets/ronchigrams/train/", "directory holding one sub-directory per simulation batch")
	flag.Parse()

	// Paired-tilt dataset: tiled FFT differences, cartesian coefficient targets
	pairedDS, err := datasets.New(*dir, datasets.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to load paired tilt dataset: %v", err)
	}
	c, h, w := pairedDS.DataShape()
	fmt.Printf("Paired tilt examples available: %d\n", pairedDS.Len())
	fmt.Printf("  Feature shape: [%d, %d, %d]\n", c, h, w)

	n := min(4, pairedDS.Len())
	indices := make([]int, n)
	for i := range n {
		indices[i] = i
	}

	fmt.Printf("Loading batch of %d paired examples...\n", n)
	samples, err := pairedDS.Batch(indices)
	if err != nil {
		log.Fatalf("failed to build paired batch: %v", err)
	}

	flat, err := datasets.MakeFlatBatch(samples)
	if err != nil {
		log.Fatalf("failed to flatten paired batch: %v", err)
	}
	features, targets, meta, err := flat.ToGomlxTensors()
	if err != nil {
		log.Fatalf("failed to convert paired batch to gomlx tensors: %v", err)
	}
	fmt.Printf("Created tensors: features=%s targets=%s meta=%s\n", features.Shape(), targets.Shape(), meta.Shape())
	if len(samples) > 0 {
		fmt.Printf("  First example %s target: %v\n", samples[0].ID, samples[0].Target)
	}

	fmt.Println()

	// Single-patch dataset: one random tile per example, derivative targets
	cfg := datasets.DefaultConfig()
	cfg.Mode = datasets.DefaultSinglePatch()
	singleDS, err := datasets.New(*dir, cfg)
	if err != nil {
		// Reference images are optional for the paired workflow
		fmt.Printf("Note: Could not load single patch dataset: %v\n", err)
		return
	}

	loader := datasets.NewLoader("single-patch", singleDS, 8, true, 1)
	_, inputs, labels, err := loader.Yield()
	if err != nil {
		log.Fatalf("failed to yield single patch batch: %v", err)
	}
	fmt.Printf("Single patch batch: inputs=%s labels=%s\n", inputs[0].Shape(), labels[0].Shape())

	s, err := singleDS.Example(0)
	if err != nil {
		log.Fatalf("failed to load example 0: %v", err)
	}
	fmt.Printf("  Example %s tile (%d,%d) of %d px: du2/dv2/duv = %v\n",
		s.ID, s.Patch.Row, s.Patch.Col, s.Patch.Size, s.Target)
}
