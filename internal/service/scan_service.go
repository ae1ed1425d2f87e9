package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hoodscan/server/internal/config"
	"github.com/hoodscan/server/internal/hood"
	"github.com/hoodscan/server/internal/scanstore"
)

// PhaseSavingResults is reported while scan artifacts are written to the
// store, after the pipeline phases from the hood package.
const PhaseSavingResults = "saving_results"

// DatasetRegistry resolves dataset services by ID.
type DatasetRegistry interface {
	Get(datasetID string) (*DatasetService, bool)
}

// ScanService executes neighborhood scan jobs.
type ScanService struct {
	registry DatasetRegistry
	defaults config.ScanConfig
}

// NewScanService creates a scan service.
func NewScanService(registry DatasetRegistry, defaults config.ScanConfig) *ScanService {
	return &ScanService{
		registry: registry,
		defaults: defaults,
	}
}

// ApplyDefaults fills unset scan parameters from the configured defaults.
func (s *ScanService) ApplyDefaults(p *scanstore.ScanJobParams) {
	if p.K == 0 {
		p.K = s.defaults.DefaultK
	}
	if p.Clusters == 0 {
		p.Clusters = s.defaults.DefaultClusters
	}
	if p.Kernel == "" {
		p.Kernel = s.defaults.DefaultKernel
	}
	if p.Bandwidth == 0 {
		p.Bandwidth = s.defaults.DefaultBandwidth
	}
}

// ValidateParams checks scan parameters against the dataset before the job
// is queued, so obvious mistakes fail the submit instead of the run.
func (s *ScanService) ValidateParams(p *scanstore.ScanJobParams) error {
	svc, ok := s.registry.Get(p.DatasetID)
	if !ok {
		return fmt.Errorf("unknown dataset: %s", p.DatasetID)
	}
	n := svc.NumCells()
	if p.K <= 0 || p.K >= n {
		return fmt.Errorf("k=%d with %d cells: %w", p.K, n, hood.ErrInvalidK)
	}
	if p.Clusters <= 0 || p.Clusters > n {
		return fmt.Errorf("clusters=%d with %d cells: %w", p.Clusters, n, hood.ErrInvalidK)
	}
	if _, err := hood.ParseKernel(p.Kernel); err != nil {
		return err
	}
	return nil
}

// ExecuteScanJob runs the full scan pipeline for a queued job and persists
// the results. It is installed as the job manager's executor.
func (s *ScanService) ExecuteScanJob(ctx context.Context, store *scanstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}

	svc, ok := s.registry.Get(job.Params.DatasetID)
	if !ok {
		return fmt.Errorf("unknown dataset: %s", job.Params.DatasetID)
	}

	ds, err := svc.Dataset()
	if err != nil {
		return err
	}
	if err := store.UpdateJobCellCount(jobID, ds.Len()); err != nil {
		log.Printf("[ScanService] Job %s: failed to record cell count: %v", jobID, err)
	}

	kernel, err := hood.ParseKernel(job.Params.Kernel)
	if err != nil {
		return err
	}

	startTime := time.Now()
	log.Printf("[ScanService] Job %s: scanning dataset %s (n=%d, k=%d, clusters=%d, kernel=%s)",
		jobID, job.Params.DatasetID, ds.Len(), job.Params.K, job.Params.Clusters, kernel)

	result, err := hood.Scan(ctx, ds, hood.Params{
		K:         job.Params.K,
		Clusters:  job.Params.Clusters,
		Kernel:    kernel,
		Bandwidth: job.Params.Bandwidth,
		Seed:      job.Params.Seed,
		Workers:   s.defaults.Workers,
		Progress: func(phase string, done, total int) {
			if err := store.UpdateJobProgress(jobID, phase, done, total); err != nil {
				log.Printf("[ScanService] Job %s: failed to update progress: %v", jobID, err)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := store.UpdateJobProgress(jobID, PhaseSavingResults, ds.Len(), ds.Len()); err != nil {
		log.Printf("[ScanService] Job %s: failed to update progress: %v", jobID, err)
	}
	if err := s.saveResults(store, jobID, result); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	log.Printf("[ScanService] Job %s: completed in %v (%d degenerate, %d warnings)",
		jobID, time.Since(startTime), result.Matrix.DegenerateCount(), len(result.Warnings))
	return nil
}

func (s *ScanService) saveResults(store *scanstore.Store, jobID string, result *hood.Result) error {
	m := result.Matrix

	cells := make([]*scanstore.CellResult, m.NumCells())
	for i := range cells {
		cells[i] = &scanstore.CellResult{
			CellIdx:    i,
			CellID:     m.CellIDs[i],
			Cluster:    result.Clusters.Assignments[i],
			Entropy:    result.Diversity.Entropy[i],
			Perplexity: result.Diversity.Perplexity[i],
			Degenerate: m.Degenerate[i],
			Probs:      m.Rows[i],
		}
	}
	if err := store.InsertCellResults(jobID, cells); err != nil {
		return err
	}

	profiles := make([]*scanstore.ClusterProfile, len(result.Clusters.Profiles))
	for c := range profiles {
		profiles[c] = &scanstore.ClusterProfile{
			Cluster: c,
			Size:    result.Clusters.Sizes[c],
			Profile: result.Clusters.Profiles[c],
		}
	}
	if err := store.InsertProfiles(jobID, profiles); err != nil {
		return err
	}

	coloc := result.Colocalization
	var entries []*scanstore.ColocEntry
	for a, typeA := range coloc.Types {
		for b, typeB := range coloc.Types {
			if b < a {
				continue // matrix is symmetric, store the upper triangle
			}
			entries = append(entries, &scanstore.ColocEntry{
				TypeA:   typeA,
				TypeB:   typeB,
				R:       coloc.R[a][b],
				Defined: coloc.Defined[a][b],
			})
		}
	}
	if err := store.InsertColocalization(jobID, entries); err != nil {
		return err
	}

	return store.UpdateJobSummary(jobID, m.Types, m.DegenerateCount(), result.Warnings)
}
