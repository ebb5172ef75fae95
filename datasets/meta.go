package datasets

import (
	"encoding/csv"
	"os"

	"github.com/Noofbiz/aberration/aberration"
	"github.com/pkg/errors"
)

// metaColumns are the meta.csv columns every folder must provide, lowercased.
var metaColumns = []string{
	"thicknessa", "tiltx", "tilty",
	"c10", "c12", "phi12", "c21", "phi21", "c23", "phi23", "cs",
	"k_sampling_mrad",
}

// Meta is one row of meta.csv. Coefficients are in metres and angles in
// radians.
type Meta struct {
	ThicknessA    float64
	TiltX, TiltY  float64
	C10           float64
	C12, Phi12    float64
	C21, Phi21    float64
	C23, Phi23    float64
	Cs            float64
	KSamplingMrad float64
}

// MetaDim is the length of Meta.Vector.
const MetaDim = 11

// Vector returns the metadata handed to the model alongside the features:
// thickness, tilts and the polar low-order coefficients.
func (m Meta) Vector() []float32 {
	return []float32{
		float32(m.ThicknessA), float32(m.TiltX), float32(m.TiltY),
		float32(m.C10), float32(m.C12), float32(m.Phi12),
		float32(m.C21), float32(m.Phi21), float32(m.C23), float32(m.Phi23),
		float32(m.Cs),
	}
}

// Polar returns the low-order coefficients, with Cs as C30.
func (m Meta) Polar() aberration.Polar {
	return aberration.Polar{
		aberration.C10: {Magnitude: m.C10},
		aberration.C12: {Magnitude: m.C12, Angle: m.Phi12},
		aberration.C21: {Magnitude: m.C21, Angle: m.Phi21},
		aberration.C23: {Magnitude: m.C23, Angle: m.Phi23},
		aberration.C30: {Magnitude: m.Cs},
	}
}

// checkMetaHeader verifies that a meta.csv file carries every required column.
func checkMetaHeader(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return errors.Wrap(err, "failed to read header")
	}
	colIndex := columnIndex(header)
	for _, col := range metaColumns {
		if _, ok := colIndex[col]; !ok {
			return errors.Errorf("required column %q not found", col)
		}
	}
	return nil
}

// readMeta reads data row rowIdx (0-based, header excluded) of meta.csv.
func readMeta(path string, rowIdx int) (Meta, error) {
	file, err := os.Open(path)
	if err != nil {
		return Meta{}, &StorageError{Op: "open", Path: path, Err: err}
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return Meta{}, &StorageError{Op: "read header", Path: path, Err: err}
	}
	colIndex := columnIndex(header)

	for range rowIdx {
		if _, err := reader.Read(); err != nil {
			return Meta{}, &StorageError{Op: "skip to row", Path: path, Err: errors.Wrapf(err, "row %d", rowIdx)}
		}
	}
	record, err := reader.Read()
	if err != nil {
		return Meta{}, &StorageError{Op: "read row", Path: path, Err: errors.Wrapf(err, "row %d", rowIdx)}
	}

	values := make([]float64, len(metaColumns))
	for i, col := range metaColumns {
		pos, ok := colIndex[col]
		if !ok || pos >= len(record) {
			return Meta{}, &StorageError{Op: "read row", Path: path, Err: errors.Errorf("column %q missing in row %d", col, rowIdx)}
		}
		if values[i], err = parseFloat(record[pos]); err != nil {
			return Meta{}, &StorageError{Op: "parse " + col, Path: path, Err: errors.Wrapf(err, "row %d", rowIdx)}
		}
	}

	return Meta{
		ThicknessA:    values[0],
		TiltX:         values[1],
		TiltY:         values[2],
		C10:           values[3],
		C12:           values[4],
		Phi12:         values[5],
		C21:           values[6],
		Phi21:         values[7],
		C23:           values[8],
		Phi23:         values[9],
		Cs:            values[10],
		KSamplingMrad: values[11],
	}, nil
}
