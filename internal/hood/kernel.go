package hood

import (
	"fmt"
	"math"
	"strings"
)

// Kernel selects the distance-decay weighting used to turn neighbor
// distances into probability mass. The kernel is a swappable policy;
// Gaussian decay is the default.
type Kernel int

const (
	// KernelGaussian weights w = exp(-d^2 / 2*sigma^2). When the configured
	// bandwidth is <= 0, sigma adapts to the neighbor set's mean distance.
	KernelGaussian Kernel = iota
	// KernelInverse weights w = 1 / (d + eps).
	KernelInverse
	// KernelUniform weights all k neighbors equally.
	KernelUniform
)

const inverseKernelEps = 1e-12

// ParseKernel parses a kernel name from configuration or an API request.
func ParseKernel(s string) (Kernel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gaussian":
		return KernelGaussian, nil
	case "inverse":
		return KernelInverse, nil
	case "uniform":
		return KernelUniform, nil
	default:
		return 0, fmt.Errorf("unknown kernel %q (want gaussian, inverse, or uniform)", s)
	}
}

func (k Kernel) String() string {
	switch k {
	case KernelGaussian:
		return "gaussian"
	case KernelInverse:
		return "inverse"
	case KernelUniform:
		return "uniform"
	default:
		return fmt.Sprintf("kernel(%d)", int(k))
	}
}

// weights fills w with one kernel weight per neighbor. len(w) must equal
// len(neighbors).
func (k Kernel) weights(neighbors []Neighbor, bandwidth float64, w []float64) {
	switch k {
	case KernelInverse:
		for i, nb := range neighbors {
			w[i] = 1 / (nb.Distance + inverseKernelEps)
		}
	case KernelUniform:
		for i := range neighbors {
			w[i] = 1
		}
	default: // KernelGaussian
		sigma := bandwidth
		if sigma <= 0 {
			var sum float64
			for _, nb := range neighbors {
				sum += nb.Distance
			}
			sigma = sum / float64(len(neighbors))
		}
		if sigma <= 0 {
			// All neighbors coincident with the query cell: uniform mass.
			for i := range neighbors {
				w[i] = 1
			}
			return
		}
		inv := 1 / (2 * sigma * sigma)
		for i, nb := range neighbors {
			w[i] = math.Exp(-nb.Distance * nb.Distance * inv)
		}
	}
}
