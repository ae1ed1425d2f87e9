package hood

import "errors"

var (
	// ErrInvalidK indicates a neighbor count or cluster count outside the
	// valid range for the dataset size.
	ErrInvalidK = errors.New("invalid neighbor or cluster count")

	// ErrMissingCoordinates indicates a cell without a finite (x, y) pair.
	ErrMissingCoordinates = errors.New("missing or non-finite cell coordinates")

	// ErrUnknownType indicates a cell type label outside the declared vocabulary.
	ErrUnknownType = errors.New("cell type not in declared vocabulary")

	// ErrUndefinedCorrelation marks a zero-variance type column whose
	// colocalization entries are reported as NaN rather than computed.
	ErrUndefinedCorrelation = errors.New("correlation undefined for zero-variance type")

	// ErrEmptyDataset indicates a scan over a dataset with no cells.
	ErrEmptyDataset = errors.New("dataset has no cells")
)
