// Package datasets turns folders of Ronchigram stacks into training examples:
// Fourier-domain feature tensors with matching aberration targets.
//
// Layout of a dataset directory, one sub-directory per simulation batch:
//
//	<dir>/<folder>/ronchi_stack.npz            variant -> (n, rows, cols)
//	<dir>/<folder>/meta.csv                    one row per image
//	<dir>/<folder>/global_p.json               higher-order coefficients
//	<dir>/<folder>/standard_reference_d_o.npy  reference stack, by variant position
//	<dir>/<folder>/standard_reference.npz      reference images, by variant name
//
// Data is read lazily: New only inspects headers, and every Example call
// reads the arrays it needs. Examples can therefore be built concurrently,
// see RonchiDataset.Batch and Loader.
package datasets

// Dataset is what Loader needs from a dataset. RonchiDataset implements it.
type Dataset interface {
	Len() int
	Example(i int) (Sample, error)
	Batch(indices []int) ([]Sample, error)
	DataShape() (channels, height, width int)
}

var _ Dataset = (*RonchiDataset)(nil)
