package datasets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Noofbiz/aberration/aberration"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npy"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"
)

// File names inside each example folder.
const (
	StackFile        = "ronchi_stack.npz"
	MetaFile         = "meta.csv"
	GlobalParamsFile = "global_p.json"
	ReferenceNPY     = "standard_reference_d_o.npy"
	ReferenceNPZ     = "standard_reference.npz"
)

// Fields of global_p.json that describe the acquisition rather than the
// aberration function.
var nonCoefficientParams = []string{"real_sampling_A", "voltage_ev", "focus_spread_A"}

// ndarray is a decoded C-ordered numpy array.
type ndarray struct {
	shape []int
	data  []float64
}

// image returns the i-th 2D slice of a 3D array, or the array itself when it
// is 2D and i is 0.
func (a ndarray) image(i int) (*mat.Dense, error) {
	switch len(a.shape) {
	case 2:
		if i != 0 {
			return nil, errors.Errorf("index %d of a 2D array", i)
		}
		return mat.NewDense(a.shape[0], a.shape[1], append([]float64(nil), a.data...)), nil
	case 3:
		if i < 0 || i >= a.shape[0] {
			return nil, errors.Errorf("index %d outside stack of %d images", i, a.shape[0])
		}
		size := a.shape[1] * a.shape[2]
		data := make([]float64, size)
		copy(data, a.data[i*size:(i+1)*size])
		return mat.NewDense(a.shape[1], a.shape[2], data), nil
	default:
		return nil, errors.Errorf("expected a 2D or 3D array, got shape %v", a.shape)
	}
}

func decodeArray(hdr npy.Header, read func(ptr any) error) (ndarray, error) {
	if hdr.Descr.Fortran {
		return ndarray{}, errors.New("fortran-ordered arrays are not supported")
	}
	shape := append([]int(nil), hdr.Descr.Shape...)
	n := 1
	for _, d := range shape {
		n *= d
	}

	var (
		data []float64
		err  error
	)
	switch dtype := strings.TrimLeft(hdr.Descr.Type, "<>|="); dtype {
	case "f8":
		data = make([]float64, n)
		err = read(&data)
	case "f4":
		data, err = readConverted[float32](read, n)
	case "u1":
		data, err = readConverted[uint8](read, n)
	case "u2":
		data, err = readConverted[uint16](read, n)
	case "i2":
		data, err = readConverted[int16](read, n)
	case "i4":
		data, err = readConverted[int32](read, n)
	case "i8":
		data, err = readConverted[int64](read, n)
	default:
		return ndarray{}, errors.Errorf("unsupported dtype %q", hdr.Descr.Type)
	}
	if err != nil {
		return ndarray{}, err
	}
	if len(data) != n {
		return ndarray{}, errors.Errorf("read %d values, shape %v needs %d", len(data), shape, n)
	}
	return ndarray{shape: shape, data: data}, nil
}

func readConverted[T float32 | uint8 | uint16 | int16 | int32 | int64](read func(ptr any) error, n int) ([]float64, error) {
	raw := make([]T, n)
	if err := read(&raw); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

// readNPY decodes a single .npy file.
func readNPY(path string) (ndarray, error) {
	f, err := os.Open(path)
	if err != nil {
		return ndarray{}, err
	}
	defer f.Close()

	r, err := npy.NewReader(f)
	if err != nil {
		return ndarray{}, errors.Wrap(err, "npy header")
	}
	return decodeArray(r.Header, r.Read)
}

// archive is an open .npz file.
type archive struct {
	path string
	r    *npz.Reader
}

func openArchive(path string) (*archive, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, err
	}
	return &archive{path: path, r: r}, nil
}

func (a *archive) Close() error {
	return a.r.Close()
}

// names lists the stored arrays without their .npy suffix.
func (a *archive) names() []string {
	keys := a.r.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimSuffix(k, ".npy")
	}
	return out
}

// lookup resolves a variant name to the key stored in the archive.
func (a *archive) lookup(name string) (string, bool) {
	for _, k := range a.r.Keys() {
		if k == name || k == name+".npy" {
			return k, true
		}
	}
	return "", false
}

func (a *archive) shape(name string) ([]int, error) {
	key, ok := a.lookup(name)
	if !ok {
		return nil, errors.Errorf("array %q not found in %s", name, a.path)
	}
	hdr := a.r.Header(key)
	if hdr == nil {
		return nil, errors.Errorf("array %q in %s has no header", name, a.path)
	}
	return hdr.Descr.Shape, nil
}

func (a *archive) read(name string) (ndarray, error) {
	key, ok := a.lookup(name)
	if !ok {
		return ndarray{}, errors.Errorf("array %q not found", name)
	}
	hdr := a.r.Header(key)
	if hdr == nil {
		return ndarray{}, errors.Errorf("array %q has no header", name)
	}
	return decodeArray(*hdr, func(ptr any) error { return a.r.Read(key, ptr) })
}

// loadStackImage reads image index of every named variant in a folder's
// stack.
func loadStackImage(folder string, variants []string, index int) ([]*mat.Dense, error) {
	path := filepath.Join(folder, StackFile)
	ar, err := openArchive(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	defer ar.Close()

	out := make([]*mat.Dense, len(variants))
	for i, v := range variants {
		arr, err := ar.read(v)
		if err != nil {
			return nil, &StorageError{Op: "read " + v, Path: path, Err: err}
		}
		if out[i], err = arr.image(index); err != nil {
			return nil, &StorageError{Op: "read " + v, Path: path, Err: err}
		}
	}
	return out, nil
}

// loadReference returns one reference image per variant. The .npy stack is
// indexed by variant position; the .npz archive is keyed by variant name and
// may hold 2D images or 3D stacks, in which case the first image is used.
// A format whose file is absent reports ErrReferenceNotFound and the next one
// is tried. Any other failure is returned as is.
func loadReference(folder string, variants []string, positions []int) ([]*mat.Dense, error) {
	out, err := referenceFromNPY(folder, positions)
	if !errors.Is(err, ErrReferenceNotFound) {
		return out, err
	}
	out, err = referenceFromNPZ(folder, variants)
	if errors.Is(err, ErrReferenceNotFound) {
		return nil, &StorageError{Op: "load reference", Path: folder, Err: err}
	}
	return out, err
}

func referenceFromNPY(folder string, positions []int) ([]*mat.Dense, error) {
	path := filepath.Join(folder, ReferenceNPY)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Wrap(ErrReferenceNotFound, path)
	}
	arr, err := readNPY(path)
	if err != nil {
		return nil, &StorageError{Op: "read reference", Path: path, Err: err}
	}
	if len(arr.shape) != 3 {
		return nil, &StorageError{Op: "read reference", Path: path, Err: errors.Errorf("expected a 3D stack, got shape %v", arr.shape)}
	}
	out := make([]*mat.Dense, len(positions))
	for i, p := range positions {
		if out[i], err = arr.image(p); err != nil {
			return nil, &StorageError{Op: "read reference", Path: path, Err: err}
		}
	}
	return out, nil
}

func referenceFromNPZ(folder string, variants []string) ([]*mat.Dense, error) {
	path := filepath.Join(folder, ReferenceNPZ)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.Wrap(ErrReferenceNotFound, path)
	}
	ar, err := openArchive(path)
	if err != nil {
		return nil, &StorageError{Op: "open reference", Path: path, Err: err}
	}
	defer ar.Close()

	out := make([]*mat.Dense, len(variants))
	for i, v := range variants {
		arr, err := ar.read(v)
		if err != nil {
			return nil, &StorageError{Op: "read reference " + v, Path: path, Err: err}
		}
		if out[i], err = arr.image(0); err != nil {
			return nil, &StorageError{Op: "read reference " + v, Path: path, Err: err}
		}
	}
	return out, nil
}

// readGlobalParams parses the higher-order coefficients of a folder. A
// missing file means no higher-order terms. Values may be written as scalars,
// one-element arrays or {"0": v} objects.
func readGlobalParams(folder string) (aberration.Polar, error) {
	path := filepath.Join(folder, GlobalParamsFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return aberration.Polar{}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &StorageError{Op: "parse", Path: path, Err: err}
	}
	for _, name := range nonCoefficientParams {
		delete(fields, name)
	}

	values := make(map[string]float64, len(fields))
	for name, msg := range fields {
		v, err := firstNumber(msg)
		if err != nil {
			return nil, &StorageError{Op: "parse " + name, Path: path, Err: err}
		}
		values[name] = v
	}
	p, err := aberration.ParsePolar(values)
	if err != nil {
		return nil, &StorageError{Op: "parse", Path: path, Err: err}
	}
	return p, nil
}

func firstNumber(msg json.RawMessage) (float64, error) {
	var scalar float64
	if err := json.Unmarshal(msg, &scalar); err == nil {
		return scalar, nil
	}
	var list []float64
	if err := json.Unmarshal(msg, &list); err == nil {
		if len(list) == 0 {
			return 0, errors.New("empty array")
		}
		return list[0], nil
	}
	var indexed map[string]float64
	if err := json.Unmarshal(msg, &indexed); err == nil {
		if v, ok := indexed["0"]; ok {
			return v, nil
		}
		return 0, errors.New(`object without key "0"`)
	}
	return 0, errors.Errorf("cannot read a number from %s", string(msg))
}
