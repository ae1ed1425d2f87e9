package hood

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// neighborBatchSize is the number of cells each worker task handles.
const neighborBatchSize = 256

// FindNeighborhoods queries the spatial index for every cell's k nearest
// neighbors. Queries run on a bounded worker pool; each task owns a disjoint
// slice of the output, so no locking is needed. The first fatal error
// cancels outstanding tasks.
func FindNeighborhoods(ctx context.Context, idx *SpatialIndex, k, workers int) ([][]Neighbor, error) {
	n := idx.Len()
	if k <= 0 || k >= n {
		return nil, fmt.Errorf("k=%d with %d cells: %w", k, n, ErrInvalidK)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([][]Neighbor, n)

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
				nb, err := idx.KNearest(i, k)
				if err != nil {
					return err
				}
				out[i] = nb
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
