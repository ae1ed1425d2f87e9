package hood

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Colocalization is the symmetric type x type Pearson correlation matrix
// over probability columns: entry (i, j) measures whether cells with
// type-i-rich neighborhoods also tend to have type-j-rich neighborhoods.
// Entries involving a zero-variance column are undefined and reported as
// NaN with Defined=false; the diagonal is exactly 1 for every
// non-zero-variance type.
type Colocalization struct {
	Types        []string
	R            [][]float64
	Defined      [][]bool
	ZeroVariance []string
}

// At returns the correlation between type columns i and j, or
// ErrUndefinedCorrelation when either column has zero variance.
func (c *Colocalization) At(i, j int) (float64, error) {
	if !c.Defined[i][j] {
		return math.NaN(), fmt.Errorf("types %q and %q: %w", c.Types[i], c.Types[j], ErrUndefinedCorrelation)
	}
	return c.R[i][j], nil
}

// ComputeColocalization computes pairwise Pearson correlations between all
// type columns of the probability matrix.
func ComputeColocalization(m *ProbabilityMatrix) *Colocalization {
	nt := m.NumTypes()
	cols := make([][]float64, nt)
	zero := make([]bool, nt)
	var zeroNames []string
	for t := 0; t < nt; t++ {
		cols[t] = m.Column(t)
		if stat.Variance(cols[t], nil) == 0 {
			zero[t] = true
			zeroNames = append(zeroNames, m.Types[t])
		}
	}

	r := make([][]float64, nt)
	defined := make([][]bool, nt)
	for i := 0; i < nt; i++ {
		r[i] = make([]float64, nt)
		defined[i] = make([]bool, nt)
	}

	for i := 0; i < nt; i++ {
		for j := i; j < nt; j++ {
			var v float64
			ok := !zero[i] && !zero[j]
			switch {
			case !ok:
				v = math.NaN()
			case i == j:
				v = 1
			default:
				v = stat.Correlation(cols[i], cols[j], nil)
				// Guard rounding drift outside [-1, 1].
				v = math.Max(-1, math.Min(1, v))
			}
			r[i][j], r[j][i] = v, v
			defined[i][j], defined[j][i] = ok, ok
		}
	}

	return &Colocalization{
		Types:        m.Types,
		R:            r,
		Defined:      defined,
		ZeroVariance: zeroNames,
	}
}
