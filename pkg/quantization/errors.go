package quantization

import "errors"

var (
	// ErrNotTrained is returned when encode/decode/distance is called before Train.
	ErrNotTrained = errors.New("quantization: codec not trained")
	// ErrDimensionMismatch is returned when a vector's length doesn't match the codec's dimension.
	ErrDimensionMismatch = errors.New("quantization: dimension mismatch")
	// ErrEmptyTrainingSet is returned when Train is called with zero vectors.
	ErrEmptyTrainingSet = errors.New("quantization: empty training set")
	// ErrInvalidParameter is returned for out-of-range configuration (e.g. unsupported bit depth).
	ErrInvalidParameter = errors.New("quantization: invalid parameter")
)
