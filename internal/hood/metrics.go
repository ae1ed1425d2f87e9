package hood

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Diversity holds per-cell neighborhood diversity metrics, aligned with the
// probability matrix rows. Entropy is Shannon entropy in nats; perplexity
// is exp(entropy), the effective number of distinct types in the
// neighborhood. Degenerate rows carry entropy 0 and perplexity 1 by
// convention and remain flagged on the matrix.
type Diversity struct {
	Entropy    []float64
	Perplexity []float64
}

// ComputeDiversity derives entropy and perplexity for every matrix row.
// Zero probability terms contribute nothing (0*log 0 = 0).
func ComputeDiversity(m *ProbabilityMatrix) *Diversity {
	d := &Diversity{
		Entropy:    make([]float64, len(m.Rows)),
		Perplexity: make([]float64, len(m.Rows)),
	}
	for i, row := range m.Rows {
		if m.Degenerate[i] {
			d.Entropy[i] = 0
			d.Perplexity[i] = 1
			continue
		}
		h := stat.Entropy(row)
		d.Entropy[i] = h
		d.Perplexity[i] = math.Exp(h)
	}
	return d
}
