package datasets

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// encodeNPY writes a C-ordered NPY v1.0 array. dtype is "<f8" or "<f4".
func encodeNPY(t *testing.T, dtype string, shape []int, data []float64) []byte {
	t.Helper()
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", dtype, shapeStr)
	// magic(6) + version(2) + length(2) + header + newline, padded to 64.
	pad := (64 - (10+len(header)+1)%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(header))); err != nil {
		t.Fatalf("failed to write npy header length: %v", err)
	}
	buf.WriteString(header)

	switch dtype {
	case "<f8":
		err := binary.Write(&buf, binary.LittleEndian, data)
		if err != nil {
			t.Fatalf("failed to write npy data: %v", err)
		}
	case "<f4":
		f32 := make([]float32, len(data))
		for i, v := range data {
			f32[i] = float32(v)
		}
		if err := binary.Write(&buf, binary.LittleEndian, f32); err != nil {
			t.Fatalf("failed to write npy data: %v", err)
		}
	default:
		t.Fatalf("unsupported fixture dtype %q", dtype)
	}
	return buf.Bytes()
}

// flatten stacks equally sized images into a (n, rows, cols) array.
func flatten(images []*mat.Dense) ([]int, []float64) {
	rows, cols := images[0].Dims()
	data := make([]float64, 0, len(images)*rows*cols)
	for _, img := range images {
		for i := 0; i < rows; i++ {
			data = append(data, img.RawRowView(i)...)
		}
	}
	return []int{len(images), rows, cols}, data
}

func writeNPY(t *testing.T, path string, images []*mat.Dense) {
	t.Helper()
	shape, data := flatten(images)
	if err := os.WriteFile(path, encodeNPY(t, "<f8", shape, data), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// writeNPZ stores one array per key. A single image is stored as a 2D array
// when flat2D is set.
func writeNPZ(t *testing.T, path, dtype string, arrays map[string][]*mat.Dense, flat2D bool) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer file.Close()

	keys := make([]string, 0, len(arrays))
	for k := range arrays {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zw := zip.NewWriter(file)
	for _, k := range keys {
		shape, data := flatten(arrays[k])
		if flat2D && shape[0] == 1 {
			shape = shape[1:]
		}
		w, err := zw.Create(k + ".npy")
		if err != nil {
			t.Fatalf("failed to add %s: %v", k, err)
		}
		if _, err := w.Write(encodeNPY(t, dtype, shape, data)); err != nil {
			t.Fatalf("failed to write %s: %v", k, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close %s: %v", path, err)
	}
}

func writeMetaCSV(t *testing.T, path string, rows []Meta) {
	t.Helper()
	var b strings.Builder
	b.WriteString("thicknessA,tiltx,tilty,C10,C12,phi12,C21,phi21,C23,phi23,Cs,k_sampling_mrad\n")
	for _, m := range rows {
		fmt.Fprintf(&b, "%g,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g\n",
			m.ThicknessA, m.TiltX, m.TiltY, m.C10, m.C12, m.Phi12, m.C21, m.Phi21, m.C23, m.Phi23, m.Cs, m.KSamplingMrad)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// fixtureFolder describes one example folder on disk.
type fixtureFolder struct {
	stack map[string][]*mat.Dense
	meta  []Meta

	// referenceNPZ holds one image per variant, stored as 2D arrays.
	referenceNPZ map[string]*mat.Dense
	// referenceNPY holds one image per variant position.
	referenceNPY []*mat.Dense

	globalParams string
}

func (f fixtureFolder) write(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", dir, err)
	}
	writeNPZ(t, filepath.Join(dir, StackFile), "<f8", f.stack, false)
	writeMetaCSV(t, filepath.Join(dir, MetaFile), f.meta)
	if f.referenceNPZ != nil {
		arrays := make(map[string][]*mat.Dense, len(f.referenceNPZ))
		for k, img := range f.referenceNPZ {
			arrays[k] = []*mat.Dense{img}
		}
		writeNPZ(t, filepath.Join(dir, ReferenceNPZ), "<f8", arrays, true)
	}
	if f.referenceNPY != nil {
		writeNPY(t, filepath.Join(dir, ReferenceNPY), f.referenceNPY)
	}
	if f.globalParams != "" {
		if err := os.WriteFile(filepath.Join(dir, GlobalParamsFile), []byte(f.globalParams), 0o644); err != nil {
			t.Fatalf("failed to write global params: %v", err)
		}
	}
	return dir
}

func noiseImage(side int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, 1))
	data := make([]float64, side*side)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(side, side, data)
}

func constantImage(side int, v float64) *mat.Dense {
	data := make([]float64, side*side)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(side, side, data)
}

// noiseStack builds n noise images for every variant.
func noiseStack(variants []string, n, side int, seed uint64) map[string][]*mat.Dense {
	stack := make(map[string][]*mat.Dense, len(variants))
	for vi, v := range variants {
		for i := 0; i < n; i++ {
			stack[v] = append(stack[v], noiseImage(side, seed+uint64(100*vi+i)))
		}
	}
	return stack
}

func metaRows(n int) []Meta {
	rows := make([]Meta, n)
	for i := range rows {
		rows[i] = Meta{
			ThicknessA:    100 + float64(i),
			TiltX:         0.01,
			TiltY:         -0.01,
			C10:           float64(i+1) * 1e-9,
			C12:           2e-9,
			Phi12:         0.4,
			C21:           5e-8,
			Phi21:         -1.1,
			C23:           3e-8,
			Phi23:         0.2,
			Cs:            1e-5,
			KSamplingMrad: 0.5,
		}
	}
	return rows
}

var tiltVariants = []string{"tiltx", "tiltnx", "tilty", "tiltny"}
