package main

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/aberration/datasets"
	"github.com/stretchr/testify/require"
)

// npyFloat64 encodes a C-ordered little-endian float64 NPY v1.0 array.
func npyFloat64(t *testing.T, shape []int, data []float64) []byte {
	t.Helper()
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprint(d)
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%s), }", strings.Join(dims, ", "))
	header += strings.Repeat(" ", (64-(10+len(header)+1)%64)%64) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, data))
	return buf.Bytes()
}

type npzEntry struct {
	name  string
	shape []int
	data  []float64
}

func writeNPZ(t *testing.T, path string, entries []npzEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name + ".npy")
		require.NoError(t, err)
		_, err = w.Write(npyFloat64(t, e.shape, e.data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func noise(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}

// writeDataset creates <root>/a with two side x side examples of every tilt
// variant, a reference image per variant and meta.csv. The second example
// has a defocus large enough to push the phase past 2π.
func writeDataset(t *testing.T, side int) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "a")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	rng := rand.New(rand.NewPCG(1, 2))
	var stack, refs []npzEntry
	for _, v := range []string{"tiltx", "tiltnx", "tilty", "tiltny"} {
		stack = append(stack, npzEntry{name: v, shape: []int{2, side, side}, data: noise(rng, 2*side*side)})
		refs = append(refs, npzEntry{name: v, shape: []int{side, side}, data: noise(rng, side*side)})
	}
	writeNPZ(t, filepath.Join(dir, datasets.StackFile), stack)
	writeNPZ(t, filepath.Join(dir, datasets.ReferenceNPZ), refs)

	meta := "thicknessA,tiltx,tilty,C10,C12,phi12,C21,phi21,C23,phi23,Cs,k_sampling_mrad\n" +
		"100,0.01,-0.01,1e-9,2e-9,0.4,5e-8,-1.1,3e-8,0.2,1e-5,0.5\n" +
		"101,0.01,-0.01,1e-5,2e-9,0.4,5e-8,-1.1,3e-8,0.2,1e-5,0.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, datasets.MetaFile), []byte(meta), 0o644))
	return root
}
