// Package hood implements neighborhood scanning over spatially resolved
// single-cell data: k-nearest-neighbor search, neighborhood type-probability
// estimation, diversity metrics, type colocalization, and clustering of
// cells by neighborhood composition.
package hood

import (
	"fmt"
	"math"
	"sort"
)

// Cell is one spatially resolved cell: a stable identifier, a 2D centroid,
// and an optional categorical type label (empty string = unannotated).
type Cell struct {
	ID   string
	X    float64
	Y    float64
	Type string
}

// Bounds represents coordinate bounds.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// Dataset is the immutable per-run container for cells and the type
// vocabulary. The vocabulary column order is fixed at construction
// (alphabetically sorted) so that downstream matrices are comparable
// across runs.
type Dataset struct {
	cells      []Cell
	vocab      []string
	vocabIndex map[string]int
}

// NewDataset builds a dataset from cells, deriving the vocabulary from the
// distinct non-empty type labels observed. Every cell must carry a finite
// coordinate pair; a non-finite coordinate fails with ErrMissingCoordinates.
func NewDataset(cells []Cell) (*Dataset, error) {
	seen := make(map[string]struct{})
	for _, c := range cells {
		if c.Type != "" {
			seen[c.Type] = struct{}{}
		}
	}
	vocab := make([]string, 0, len(seen))
	for t := range seen {
		vocab = append(vocab, t)
	}
	sort.Strings(vocab)
	return NewDatasetWithVocabulary(cells, vocab)
}

// NewDatasetWithVocabulary builds a dataset with an explicitly declared
// vocabulary. Labels outside the vocabulary are not rejected here; they
// surface as ErrUnknownType during probability estimation.
func NewDatasetWithVocabulary(cells []Cell, vocab []string) (*Dataset, error) {
	for i, c := range cells {
		if !isFinite(c.X) || !isFinite(c.Y) {
			return nil, fmt.Errorf("cell %q (row %d) has coordinates (%v, %v): %w",
				c.ID, i, c.X, c.Y, ErrMissingCoordinates)
		}
	}

	sorted := make([]string, len(vocab))
	copy(sorted, vocab)
	sort.Strings(sorted)

	idx := make(map[string]int, len(sorted))
	for i, t := range sorted {
		idx[t] = i
	}

	owned := make([]Cell, len(cells))
	copy(owned, cells)

	return &Dataset{
		cells:      owned,
		vocab:      sorted,
		vocabIndex: idx,
	}, nil
}

// Len returns the number of cells.
func (d *Dataset) Len() int { return len(d.cells) }

// Cell returns the cell at index i.
func (d *Dataset) Cell(i int) Cell { return d.cells[i] }

// CellIDs returns cell identifiers in input order.
func (d *Dataset) CellIDs() []string {
	ids := make([]string, len(d.cells))
	for i, c := range d.cells {
		ids[i] = c.ID
	}
	return ids
}

// Vocabulary returns the canonical (alphabetically sorted) type vocabulary.
func (d *Dataset) Vocabulary() []string {
	v := make([]string, len(d.vocab))
	copy(v, d.vocab)
	return v
}

// Bounds returns the coordinate bounds of the dataset.
func (d *Dataset) Bounds() Bounds {
	if len(d.cells) == 0 {
		return Bounds{}
	}
	b := Bounds{
		MinX: d.cells[0].X, MaxX: d.cells[0].X,
		MinY: d.cells[0].Y, MaxY: d.cells[0].Y,
	}
	for _, c := range d.cells[1:] {
		b.MinX = math.Min(b.MinX, c.X)
		b.MaxX = math.Max(b.MaxX, c.X)
		b.MinY = math.Min(b.MinY, c.Y)
		b.MaxY = math.Max(b.MaxY, c.Y)
	}
	return b
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
