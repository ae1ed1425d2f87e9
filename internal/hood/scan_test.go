package hood

import (
	"context"
	"errors"
	"math"
	"testing"
)

func scanFixture(t *testing.T) *Dataset {
	t.Helper()
	return mustDataset(t, []Cell{
		{ID: "c0", X: 0, Y: 0, Type: "A"},
		{ID: "c1", X: 1, Y: 0, Type: "A"},
		{ID: "c2", X: 0, Y: 1, Type: "B"},
		{ID: "c3", X: 10, Y: 10, Type: "A"},
	})
}

func TestScanSmallDataset(t *testing.T) {
	ds := scanFixture(t)

	res, err := Scan(context.Background(), ds, Params{
		K:        2,
		Clusters: 2,
		Kernel:   KernelGaussian,
		Seed:     1,
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	m := res.Matrix
	if m.NumCells() != 4 {
		t.Fatalf("NumCells = %d, want 4", m.NumCells())
	}
	if m.NumTypes() != 2 || m.Types[0] != "A" || m.Types[1] != "B" {
		t.Fatalf("Types = %v, want [A B]", m.Types)
	}

	// Every cell has annotated neighbors, so every row sums to 1. The
	// outlier at (10,10) is included: remoteness does not degenerate a row.
	for i, row := range m.Rows {
		if m.Degenerate[i] {
			t.Errorf("row %d unexpectedly degenerate", i)
		}
		var sum float64
		for _, p := range row {
			sum += p
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %v, want 1", i, sum)
		}
	}

	if len(res.Diversity.Entropy) != 4 || len(res.Diversity.Perplexity) != 4 {
		t.Fatal("diversity metrics not aligned with rows")
	}
	if len(res.Clusters.Assignments) != 4 {
		t.Fatal("cluster assignments not aligned with rows")
	}
	if got := len(res.Colocalization.R); got != 2 {
		t.Fatalf("colocalization is %dx?, want 2x2", got)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", res.Warnings)
	}
}

func TestScanDeterministic(t *testing.T) {
	ds := scanFixture(t)
	p := Params{K: 2, Clusters: 2, Kernel: KernelGaussian, Seed: 99, Workers: 3}

	first, err := Scan(context.Background(), ds, p)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	for run := 0; run < 3; run++ {
		again, err := Scan(context.Background(), ds, p)
		if err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
		for i := range first.Matrix.Rows {
			for ti := range first.Matrix.Rows[i] {
				if again.Matrix.Rows[i][ti] != first.Matrix.Rows[i][ti] {
					t.Fatalf("run %d: matrix[%d][%d] differs", run, i, ti)
				}
			}
			if again.Clusters.Assignments[i] != first.Clusters.Assignments[i] {
				t.Fatalf("run %d: assignment %d differs", run, i)
			}
		}
	}
}

func TestScanInvalidParams(t *testing.T) {
	ds := scanFixture(t)

	cases := []struct {
		name string
		p    Params
	}{
		{"k zero", Params{K: 0, Clusters: 2}},
		{"k equals n", Params{K: 4, Clusters: 2}},
		{"clusters zero", Params{K: 2, Clusters: 0}},
		{"clusters above n", Params{K: 2, Clusters: 5}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Scan(context.Background(), ds, c.p)
			if !errors.Is(err, ErrInvalidK) {
				t.Errorf("error = %v, want ErrInvalidK", err)
			}
		})
	}
}

func TestScanEmptyDataset(t *testing.T) {
	ds := mustDataset(t, nil)
	_, err := Scan(context.Background(), ds, Params{K: 1, Clusters: 1})
	if !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("error = %v, want ErrEmptyDataset", err)
	}
}

func TestScanDegenerateWarning(t *testing.T) {
	// c3's two nearest neighbors are both unannotated, so its row is
	// degenerate and the scan reports it as a warning, not an error.
	ds := mustDataset(t, []Cell{
		{ID: "c0", X: 0, Y: 0, Type: "A"},
		{ID: "c1", X: 1, Y: 0, Type: "B"},
		{ID: "c2", X: 100, Y: 100, Type: ""},
		{ID: "c3", X: 101, Y: 100, Type: ""},
		{ID: "c4", X: 100, Y: 101, Type: ""},
	})

	res, err := Scan(context.Background(), ds, Params{
		K:        2,
		Clusters: 2,
		Kernel:   KernelUniform,
		Seed:     1,
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if got := res.Matrix.DegenerateCount(); got == 0 {
		t.Fatal("expected degenerate rows")
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a degenerate-neighborhood warning")
	}
	for i, d := range res.Matrix.Degenerate {
		if !d {
			continue
		}
		if res.Diversity.Entropy[i] != 0 || res.Diversity.Perplexity[i] != 1 {
			t.Errorf("degenerate row %d metrics = (%v, %v), want (0, 1)",
				i, res.Diversity.Entropy[i], res.Diversity.Perplexity[i])
		}
	}
}

func TestScanProgressPhases(t *testing.T) {
	ds := scanFixture(t)

	var phases []string
	_, err := Scan(context.Background(), ds, Params{
		K:        2,
		Clusters: 2,
		Seed:     1,
		Progress: func(phase string, done, total int) {
			phases = append(phases, phase)
		},
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []string{
		PhaseBuildingIndex, PhaseScanning, PhaseAggregating,
		PhaseMetrics, PhaseColocalization, PhaseClustering,
	}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase %d = %q, want %q", i, phases[i], want[i])
		}
	}
}

func TestScanCancellation(t *testing.T) {
	cells := gridCells(500)
	ds := mustDataset(t, cells)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Scan(ctx, ds, Params{K: 10, Clusters: 4, Seed: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
