package hood

import (
	"fmt"
	"math/rand"
)

// maxKMeansIterations bounds Lloyd iterations; small simplex-valued rows
// converge long before this in practice.
const maxKMeansIterations = 100

// ClusterResult assigns every cell to one neighborhood archetype.
// Assignments are aligned with the probability matrix rows; Profiles[c] is
// the mean probability vector of cluster c ("cluster profile") and Sizes[c]
// its member count.
type ClusterResult struct {
	Assignments []int
	Profiles    [][]float64
	Sizes       []int
}

// ClusterNeighborhoods partitions probability rows into k clusters using
// k-means with k-means++ seeding. The result is deterministic for a fixed
// seed: seeding uses a private rand.Source, assignment ties go to the
// lowest cluster index, and empty clusters keep their previous centroid.
// Fails with ErrInvalidK when k <= 0 or k exceeds the number of cells.
func ClusterNeighborhoods(m *ProbabilityMatrix, k int, seed int64) (*ClusterResult, error) {
	n := m.NumCells()
	if k <= 0 || k > n {
		return nil, fmt.Errorf("clusters=%d with %d cells: %w", k, n, ErrInvalidK)
	}
	dim := m.NumTypes()

	rng := rand.New(rand.NewSource(seed))
	centroids := seedCentroids(m.Rows, k, rng)

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < maxKMeansIterations; iter++ {
		changed := false
		for i, row := range m.Rows {
			best := 0
			bestD := sqDist(row, centroids[0])
			for c := 1; c < k; c++ {
				if d := sqDist(row, centroids[c]); d < bestD {
					bestD = d
					best = c
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, row := range m.Rows {
			c := assign[i]
			counts[c]++
			for t, v := range row {
				sums[c][t] += v
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue // empty cluster keeps its previous centroid
			}
			inv := 1 / float64(counts[c])
			for t := range sums[c] {
				centroids[c][t] = sums[c][t] * inv
			}
		}
	}

	sizes := make([]int, k)
	for _, c := range assign {
		sizes[c]++
	}

	return &ClusterResult{
		Assignments: assign,
		Profiles:    centroids,
		Sizes:       sizes,
	}, nil
}

// seedCentroids picks k initial centroids with k-means++: the first row is
// drawn uniformly, each subsequent one proportionally to its squared
// distance from the nearest centroid chosen so far.
func seedCentroids(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(rows)
	centroids := make([][]float64, 0, k)

	first := rng.Intn(n)
	centroids = append(centroids, cloneRow(rows[first]))

	d2 := make([]float64, n)
	for i, row := range rows {
		d2[i] = sqDist(row, centroids[0])
	}

	for len(centroids) < k {
		var total float64
		for _, d := range d2 {
			total += d
		}

		var next int
		if total == 0 {
			// All remaining rows coincide with a centroid; fall back to a
			// uniform draw so seeding still terminates.
			next = rng.Intn(n)
		} else {
			target := rng.Float64() * total
			cum := 0.0
			next = n - 1
			for i, d := range d2 {
				cum += d
				if cum >= target {
					next = i
					break
				}
			}
		}

		c := cloneRow(rows[next])
		centroids = append(centroids, c)
		for i, row := range rows {
			if d := sqDist(row, c); d < d2[i] {
				d2[i] = d
			}
		}
	}
	return centroids
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func cloneRow(row []float64) []float64 {
	c := make([]float64, len(row))
	copy(c, row)
	return c
}
