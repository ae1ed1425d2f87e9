package hood

import "fmt"

// Estimator converts a cell's neighbor set into a probability row over the
// dataset's type vocabulary: each neighbor contributes kernel weight to its
// type's bucket, and the buckets are normalized to sum to 1.
type Estimator struct {
	ds        *Dataset
	kernel    Kernel
	bandwidth float64
}

// NewEstimator creates an estimator bound to a dataset's vocabulary.
func NewEstimator(ds *Dataset, kernel Kernel, bandwidth float64) *Estimator {
	return &Estimator{ds: ds, kernel: kernel, bandwidth: bandwidth}
}

// Row estimates one cell's neighborhood type distribution. Unannotated
// neighbors contribute no mass. When no neighbor carries a known label the
// row is returned all-zero with degenerate=true instead of dividing by zero.
// A neighbor with a label outside the vocabulary fails with ErrUnknownType.
func (e *Estimator) Row(neighbors []Neighbor) (row []float64, degenerate bool, err error) {
	row = make([]float64, len(e.ds.vocab))
	if len(neighbors) == 0 {
		return row, true, nil
	}

	w := make([]float64, len(neighbors))
	e.kernel.weights(neighbors, e.bandwidth, w)

	var total float64
	for j, nb := range neighbors {
		label := e.ds.cells[nb.Index].Type
		if label == "" {
			continue
		}
		ti, ok := e.ds.vocabIndex[label]
		if !ok {
			return nil, false, fmt.Errorf("neighbor %q has type %q: %w", nb.ID, label, ErrUnknownType)
		}
		row[ti] += w[j]
		total += w[j]
	}

	if total == 0 {
		return row, true, nil
	}
	for t := range row {
		row[t] /= total
	}
	return row, false, nil
}
