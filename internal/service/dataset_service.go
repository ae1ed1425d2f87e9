// Package service provides the business logic for dataset access and
// neighborhood scan jobs.
package service

import (
	"fmt"
	"log"
	"sync"

	"github.com/hoodscan/server/internal/cache"
	"github.com/hoodscan/server/internal/config"
	"github.com/hoodscan/server/internal/data/celltable"
	"github.com/hoodscan/server/internal/data/soma"
	"github.com/hoodscan/server/internal/hood"
)

// Summary describes a dataset for the summary endpoint.
type Summary struct {
	DatasetID string      `json:"dataset_id"`
	NCells    int         `json:"n_cells"`
	Types     []string    `json:"types"`
	Bounds    hood.Bounds `json:"bounds"`
}

// DatasetService holds one dataset's cell table and lazily built scan
// dataset. The hood.Dataset is built on first use and shared by all scan
// jobs on this dataset.
type DatasetService struct {
	datasetID string
	table     *celltable.Table
	cache     *cache.Manager

	datasetOnce sync.Once
	dataset     *hood.Dataset
	datasetErr  error
}

// NewDatasetService loads the cell table for one configured dataset. A CSV
// cell table takes precedence over a SOMA experiment when both are set.
func NewDatasetService(datasetID string, cfg config.DatasetConfig, cacheManager *cache.Manager) (*DatasetService, error) {
	var table *celltable.Table
	var err error

	switch {
	case cfg.CellTable != "":
		table, err = celltable.Read(cfg.CellTable, celltable.Options{
			IDColumn:   cfg.IDColumn,
			XColumn:    cfg.XColumn,
			YColumn:    cfg.YColumn,
			TypeColumn: cfg.TypeColumn,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read cell table for dataset %s: %w", datasetID, err)
		}
	case cfg.SomaPath != "":
		reader, rerr := soma.NewReader(cfg.SomaPath)
		if rerr != nil {
			return nil, fmt.Errorf("failed to open soma experiment for dataset %s: %w", datasetID, rerr)
		}
		table, err = reader.ReadCellTable(cfg.XColumn, cfg.YColumn, cfg.TypeColumn)
		if err != nil {
			return nil, fmt.Errorf("failed to read soma obs for dataset %s: %w", datasetID, err)
		}
	default:
		return nil, fmt.Errorf("dataset %s has neither cell_table nor soma_path configured", datasetID)
	}

	log.Printf("[DatasetService] Dataset %s: loaded %d cells from %s", datasetID, table.Len(), table.Path)

	return &DatasetService{
		datasetID: datasetID,
		table:     table,
		cache:     cacheManager,
	}, nil
}

// ID returns the dataset identifier.
func (s *DatasetService) ID() string { return s.datasetID }

// Cache returns the shared cache manager.
func (s *DatasetService) Cache() *cache.Manager { return s.cache }

// NumCells returns the number of cells in the table.
func (s *DatasetService) NumCells() int { return s.table.Len() }

// Dataset returns the scan dataset, building it on first call. Coordinate
// validation happens here, so a table with missing centroids fails the
// first scan rather than server startup.
func (s *DatasetService) Dataset() (*hood.Dataset, error) {
	s.datasetOnce.Do(func() {
		s.dataset, s.datasetErr = hood.NewDataset(s.table.Cells())
		if s.datasetErr != nil {
			log.Printf("[DatasetService] Dataset %s: build failed: %v", s.datasetID, s.datasetErr)
		}
	})
	return s.dataset, s.datasetErr
}

// Summary returns dataset metadata for the summary endpoint.
func (s *DatasetService) Summary() (*Summary, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	return &Summary{
		DatasetID: s.datasetID,
		NCells:    ds.Len(),
		Types:     ds.Vocabulary(),
		Bounds:    ds.Bounds(),
	}, nil
}
