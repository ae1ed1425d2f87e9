// Package celltable reads per-cell spatial annotation tables from delimited
// files: one row per cell with centroid coordinates and an optional
// categorical type label. Plain CSV, gzip (.gz), and zstd (.zst) inputs are
// supported.
package celltable

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hoodscan/server/internal/hood"
)

// Options selects the table columns. Zero values fall back to the
// conventional column names used by spatial platforms.
type Options struct {
	IDColumn   string // default "cell_id"; falls back to the row ordinal when absent
	XColumn    string // default "x_centroid"
	YColumn    string // default "y_centroid"
	TypeColumn string // default "group"
}

func (o *Options) applyDefaults() {
	if o.IDColumn == "" {
		o.IDColumn = "cell_id"
	}
	if o.XColumn == "" {
		o.XColumn = "x_centroid"
	}
	if o.YColumn == "" {
		o.YColumn = "y_centroid"
	}
	if o.TypeColumn == "" {
		o.TypeColumn = "group"
	}
}

// Table holds one loaded cell table in input row order.
type Table struct {
	Path  string
	IDs   []string
	X     []float64
	Y     []float64
	Types []string // "" = unannotated
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.IDs) }

// Cells converts the table into hood cells, preserving row order.
func (t *Table) Cells() []hood.Cell {
	cells := make([]hood.Cell, len(t.IDs))
	for i := range t.IDs {
		cells[i] = hood.Cell{ID: t.IDs[i], X: t.X[i], Y: t.Y[i], Type: t.Types[i]}
	}
	return cells
}

// Read loads a cell table from path. The coordinate columns are required:
// a missing column, an empty value, or a non-numeric value fails with
// hood.ErrMissingCoordinates (finiteness itself is re-checked when the
// hood.Dataset is built). A missing type column fails with
// hood.ErrUnknownType; empty type values are kept as unannotated.
func Read(path string, opts Options) (*Table, error) {
	opts.applyDefaults()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cell table: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip cell table: %w", err)
		}
		defer gz.Close()
		src = gz
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd cell table: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	r := csv.NewReader(src)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read cell table header: %w", err)
	}

	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}

	xi, ok := colIdx[opts.XColumn]
	if !ok {
		return nil, fmt.Errorf("column %q not found in %s: %w", opts.XColumn, path, hood.ErrMissingCoordinates)
	}
	yi, ok := colIdx[opts.YColumn]
	if !ok {
		return nil, fmt.Errorf("column %q not found in %s: %w", opts.YColumn, path, hood.ErrMissingCoordinates)
	}
	ti, ok := colIdx[opts.TypeColumn]
	if !ok {
		return nil, fmt.Errorf("column %q not found in %s: %w", opts.TypeColumn, path, hood.ErrUnknownType)
	}
	idi, hasID := colIdx[opts.IDColumn]

	table := &Table{Path: path}
	row := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read cell table row %d: %w", row+1, err)
		}

		x, err := parseCoord(rec[xi])
		if err != nil {
			return nil, fmt.Errorf("row %d column %q: %v: %w", row+1, opts.XColumn, err, hood.ErrMissingCoordinates)
		}
		y, err := parseCoord(rec[yi])
		if err != nil {
			return nil, fmt.Errorf("row %d column %q: %v: %w", row+1, opts.YColumn, err, hood.ErrMissingCoordinates)
		}

		id := strconv.Itoa(row)
		if hasID {
			if v := strings.TrimSpace(rec[idi]); v != "" {
				id = v
			}
		}

		table.IDs = append(table.IDs, id)
		table.X = append(table.X, x)
		table.Y = append(table.Y, y)
		table.Types = append(table.Types, strings.TrimSpace(rec[ti]))
		row++
	}

	return table, nil
}

func parseCoord(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric value %q", s)
	}
	return v, nil
}
