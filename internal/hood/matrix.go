package hood

// ProbabilityMatrix is the aggregated cells x types matrix of neighborhood
// type probabilities. Rows follow the dataset's input cell order; columns
// follow the canonical vocabulary order. Each non-degenerate row sums to 1;
// degenerate rows are all-zero and flagged.
type ProbabilityMatrix struct {
	CellIDs    []string
	Types      []string
	Rows       [][]float64
	Degenerate []bool
}

// Aggregate assembles per-cell probability rows into the shared matrix.
// rows and degenerate must be aligned with the dataset's cell order.
func Aggregate(ds *Dataset, rows [][]float64, degenerate []bool) *ProbabilityMatrix {
	return &ProbabilityMatrix{
		CellIDs:    ds.CellIDs(),
		Types:      ds.Vocabulary(),
		Rows:       rows,
		Degenerate: degenerate,
	}
}

// NumCells returns the number of rows.
func (m *ProbabilityMatrix) NumCells() int { return len(m.Rows) }

// NumTypes returns the number of columns.
func (m *ProbabilityMatrix) NumTypes() int { return len(m.Types) }

// Column extracts type column t across all cells.
func (m *ProbabilityMatrix) Column(t int) []float64 {
	col := make([]float64, len(m.Rows))
	for i, row := range m.Rows {
		col[i] = row[t]
	}
	return col
}

// DegenerateCount returns the number of degenerate (all-zero) rows.
func (m *ProbabilityMatrix) DegenerateCount() int {
	n := 0
	for _, d := range m.Degenerate {
		if d {
			n++
		}
	}
	return n
}
