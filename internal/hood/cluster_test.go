package hood

import (
	"errors"
	"math"
	"testing"
)

// blobMatrix builds rows around two well-separated archetypes: A-dominated
// and B-dominated neighborhoods.
func blobMatrix() *ProbabilityMatrix {
	rows := [][]float64{
		{0.9, 0.1},
		{0.85, 0.15},
		{0.95, 0.05},
		{0.1, 0.9},
		{0.15, 0.85},
		{0.05, 0.95},
	}
	return matrixFromRows(rows, make([]bool, len(rows)), []string{"A", "B"})
}

func TestClusterSeparatedBlobs(t *testing.T) {
	m := blobMatrix()
	res, err := ClusterNeighborhoods(m, 2, 1)
	if err != nil {
		t.Fatalf("ClusterNeighborhoods failed: %v", err)
	}

	if len(res.Assignments) != m.NumCells() {
		t.Fatalf("got %d assignments, want %d", len(res.Assignments), m.NumCells())
	}

	// All A-dominated rows share a cluster, all B-dominated rows the other.
	a := res.Assignments[0]
	for i := 1; i < 3; i++ {
		if res.Assignments[i] != a {
			t.Errorf("row %d assigned to %d, want %d", i, res.Assignments[i], a)
		}
	}
	b := res.Assignments[3]
	if b == a {
		t.Fatal("both blobs landed in one cluster")
	}
	for i := 4; i < 6; i++ {
		if res.Assignments[i] != b {
			t.Errorf("row %d assigned to %d, want %d", i, res.Assignments[i], b)
		}
	}

	if res.Sizes[a] != 3 || res.Sizes[b] != 3 {
		t.Errorf("sizes = %v, want two clusters of 3", res.Sizes)
	}

	// Profiles are the mean vectors of their members.
	wantA := []float64{0.9, 0.1}
	for ti := range wantA {
		if math.Abs(res.Profiles[a][ti]-wantA[ti]) > 1e-9 {
			t.Errorf("profile[%d][%d] = %v, want %v", a, ti, res.Profiles[a][ti], wantA[ti])
		}
	}
}

func TestClusterDeterministicForSeed(t *testing.T) {
	m := blobMatrix()

	first, err := ClusterNeighborhoods(m, 2, 42)
	if err != nil {
		t.Fatalf("ClusterNeighborhoods failed: %v", err)
	}
	for run := 0; run < 5; run++ {
		again, err := ClusterNeighborhoods(m, 2, 42)
		if err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
		for i := range first.Assignments {
			if again.Assignments[i] != first.Assignments[i] {
				t.Fatalf("run %d: assignment %d = %d, want %d", run, i, again.Assignments[i], first.Assignments[i])
			}
		}
		for c := range first.Profiles {
			for ti := range first.Profiles[c] {
				if again.Profiles[c][ti] != first.Profiles[c][ti] {
					t.Fatalf("run %d: profile[%d][%d] differs", run, c, ti)
				}
			}
		}
	}
}

func TestClusterInvalidK(t *testing.T) {
	m := blobMatrix()
	for _, k := range []int{0, -3, 7} {
		_, err := ClusterNeighborhoods(m, k, 1)
		if !errors.Is(err, ErrInvalidK) {
			t.Errorf("k=%d: error = %v, want ErrInvalidK", k, err)
		}
	}

	// k equal to the row count is valid: every row its own cluster.
	res, err := ClusterNeighborhoods(m, m.NumCells(), 1)
	if err != nil {
		t.Fatalf("k=N failed: %v", err)
	}
	for c, size := range res.Sizes {
		if size != 1 {
			t.Errorf("cluster %d has %d members, want 1", c, size)
		}
	}
}

func TestClusterIdenticalRows(t *testing.T) {
	// All rows identical: k-means++ falls back to uniform seeding and every
	// row lands in one cluster by the lowest-index tie rule.
	rows := [][]float64{
		{0.5, 0.5},
		{0.5, 0.5},
		{0.5, 0.5},
		{0.5, 0.5},
	}
	m := matrixFromRows(rows, make([]bool, len(rows)), []string{"A", "B"})

	res, err := ClusterNeighborhoods(m, 2, 7)
	if err != nil {
		t.Fatalf("ClusterNeighborhoods failed: %v", err)
	}
	for i, c := range res.Assignments {
		if c != 0 {
			t.Errorf("row %d assigned to %d, want 0 (lowest index wins ties)", i, c)
		}
	}
}
