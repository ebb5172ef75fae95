package datasets

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrPatchExceedsImage is wrapped by a ConfigError when the requested
	// patch (times the downsampling factor) does not fit the cropped image.
	ErrPatchExceedsImage = errors.New("patch size exceeds image")

	// ErrReferenceNotFound reports that one reference file format is absent
	// for a folder. Other failures to read a present file are StorageErrors.
	ErrReferenceNotFound = errors.New("reference image not found")

	// ErrIndexOutOfRange is returned for example indices outside [0, Len()).
	ErrIndexOutOfRange = errors.New("index out of range")
)

// ConfigError reports an invalid configuration or an inconsistent storage
// layout. It is only produced while constructing a dataset and is fatal for
// the whole dataset.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "dataset configuration: " + e.Reason
	}
	return fmt.Sprintf("dataset configuration: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(err error, format string, args ...any) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// StorageError reports a missing or malformed per-example file. It fails the
// example being read and nothing else.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
