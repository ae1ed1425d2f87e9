package hood

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Scan progress phases, reported in order through Params.Progress.
const (
	PhaseBuildingIndex  = "building_index"
	PhaseScanning       = "scanning"
	PhaseAggregating    = "aggregating"
	PhaseMetrics        = "computing_metrics"
	PhaseColocalization = "computing_colocalization"
	PhaseClustering     = "clustering"
)

// Params configures one neighborhood scan.
type Params struct {
	K         int     // neighbor count, 0 < K < N
	Clusters  int     // cluster count, 0 < Clusters <= N
	Kernel    Kernel  // distance-decay policy
	Bandwidth float64 // gaussian bandwidth; <= 0 adapts per neighbor set
	Seed      int64   // clustering seed
	Workers   int     // per-cell stage parallelism; <= 0 uses GOMAXPROCS

	// Progress, when set, receives phase transitions. It is called from the
	// scanning goroutine only.
	Progress func(phase string, done, total int)
}

// Result is the run-scoped output of one scan: all artifacts are derived
// from the input dataset and recomputable from it.
type Result struct {
	Matrix         *ProbabilityMatrix
	Diversity      *Diversity
	Colocalization *Colocalization
	Clusters       *ClusterResult
	Warnings       []string
}

// Scan runs the full neighborhood-scanning pipeline over a dataset:
// spatial index -> per-cell kNN -> probability rows -> aggregated matrix ->
// {diversity metrics, colocalization, clustering}. The per-cell stage runs
// on a worker pool; colocalization and clustering start only after every
// row is populated. Structural errors (ErrInvalidK, ErrUnknownType) abort
// the run; degenerate neighborhoods and undefined correlations are
// reported in Warnings.
func Scan(ctx context.Context, ds *Dataset, p Params) (*Result, error) {
	n := ds.Len()
	if n == 0 {
		return nil, ErrEmptyDataset
	}
	if p.K <= 0 || p.K >= n {
		return nil, fmt.Errorf("k=%d with %d cells: %w", p.K, n, ErrInvalidK)
	}
	if p.Clusters <= 0 || p.Clusters > n {
		return nil, fmt.Errorf("clusters=%d with %d cells: %w", p.Clusters, n, ErrInvalidK)
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	progress := p.Progress
	if progress == nil {
		progress = func(string, int, int) {}
	}

	progress(PhaseBuildingIndex, 0, n)
	idx := NewSpatialIndex(ds)

	progress(PhaseScanning, 0, n)
	neighbors, err := FindNeighborhoods(ctx, idx, p.K, workers)
	if err != nil {
		return nil, err
	}

	est := NewEstimator(ds, p.Kernel, p.Bandwidth)
	rows := make([][]float64, n)
	degenerate := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < n; start += neighborBatchSize {
		start := start
		end := start + neighborBatchSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				row, degen, err := est.Row(neighbors[i])
				if err != nil {
					return fmt.Errorf("cell %q: %w", ds.cells[i].ID, err)
				}
				rows[i] = row
				degenerate[i] = degen
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Barrier: everything below consumes the complete, finalized matrix.
	progress(PhaseAggregating, n, n)
	matrix := Aggregate(ds, rows, degenerate)

	progress(PhaseMetrics, 0, n)
	diversity := ComputeDiversity(matrix)

	progress(PhaseColocalization, 0, matrix.NumTypes())
	coloc := ComputeColocalization(matrix)

	progress(PhaseClustering, 0, n)
	clusters, err := ClusterNeighborhoods(matrix, p.Clusters, p.Seed)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if nd := matrix.DegenerateCount(); nd > 0 {
		warnings = append(warnings, fmt.Sprintf("%d cells have degenerate neighborhoods (no annotated neighbors)", nd))
	}
	if len(coloc.ZeroVariance) > 0 {
		warnings = append(warnings, fmt.Sprintf("colocalization undefined for zero-variance types: %s",
			strings.Join(coloc.ZeroVariance, ", ")))
	}

	return &Result{
		Matrix:         matrix,
		Diversity:      diversity,
		Colocalization: coloc,
		Clusters:       clusters,
		Warnings:       warnings,
	}, nil
}
