package celltable

import (
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/hoodscan/server/internal/hood"
)

const sampleCSV = `cell_id,x_centroid,y_centroid,group
c1,0.5,1.5,T
c2,2.0,3.0,B
c3,4.5,5.5,
`

func writePlain(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func writeGzip(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}
	return path
}

func writeZstd(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("failed to create zstd writer: %v", err)
	}
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write zstd: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zstd: %v", err)
	}
	return path
}

func checkSampleTable(t *testing.T, table *Table) {
	t.Helper()
	if table.Len() != 3 {
		t.Fatalf("Len = %d, want 3", table.Len())
	}
	if table.IDs[0] != "c1" || table.IDs[2] != "c3" {
		t.Errorf("IDs = %v", table.IDs)
	}
	if table.X[1] != 2.0 || table.Y[1] != 3.0 {
		t.Errorf("row 1 coords = (%v, %v), want (2, 3)", table.X[1], table.Y[1])
	}
	if table.Types[0] != "T" || table.Types[1] != "B" {
		t.Errorf("Types = %v", table.Types)
	}
	// Empty label stays empty (unannotated), not an error.
	if table.Types[2] != "" {
		t.Errorf("Types[2] = %q, want empty", table.Types[2])
	}
}

func TestReadPlainCSV(t *testing.T) {
	path := writePlain(t, "cells.csv", sampleCSV)
	table, err := Read(path, Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	checkSampleTable(t, table)
}

func TestReadGzipCSV(t *testing.T) {
	path := writeGzip(t, "cells.csv.gz", sampleCSV)
	table, err := Read(path, Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	checkSampleTable(t, table)
}

func TestReadZstdCSV(t *testing.T) {
	path := writeZstd(t, "cells.csv.zst", sampleCSV)
	table, err := Read(path, Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	checkSampleTable(t, table)
}

func TestReadCustomColumns(t *testing.T) {
	csv := `barcode,cx,cy,cell_type
b1,1,2,Tumor
b2,3,4,Stroma
`
	path := writePlain(t, "custom.csv", csv)
	table, err := Read(path, Options{
		IDColumn:   "barcode",
		XColumn:    "cx",
		YColumn:    "cy",
		TypeColumn: "cell_type",
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if table.IDs[0] != "b1" || table.Types[1] != "Stroma" {
		t.Errorf("got IDs=%v Types=%v", table.IDs, table.Types)
	}
}

func TestReadMissingIDColumnUsesOrdinal(t *testing.T) {
	csv := `x_centroid,y_centroid,group
1,2,T
3,4,B
`
	path := writePlain(t, "noid.csv", csv)
	table, err := Read(path, Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if table.IDs[0] != "0" || table.IDs[1] != "1" {
		t.Errorf("IDs = %v, want row ordinals", table.IDs)
	}
}

func TestReadMissingCoordinateColumn(t *testing.T) {
	csv := `cell_id,y_centroid,group
c1,2,T
`
	path := writePlain(t, "nox.csv", csv)
	_, err := Read(path, Options{})
	if !errors.Is(err, hood.ErrMissingCoordinates) {
		t.Errorf("error = %v, want ErrMissingCoordinates", err)
	}
}

func TestReadBadCoordinateValue(t *testing.T) {
	cases := []string{
		"cell_id,x_centroid,y_centroid,group\nc1,,2,T\n",
		"cell_id,x_centroid,y_centroid,group\nc1,abc,2,T\n",
	}
	for i, csv := range cases {
		path := writePlain(t, "bad.csv", csv)
		_, err := Read(path, Options{})
		if !errors.Is(err, hood.ErrMissingCoordinates) {
			t.Errorf("case %d: error = %v, want ErrMissingCoordinates", i, err)
		}
	}
}

func TestReadMissingTypeColumn(t *testing.T) {
	csv := `cell_id,x_centroid,y_centroid
c1,1,2
`
	path := writePlain(t, "notype.csv", csv)
	_, err := Read(path, Options{})
	if !errors.Is(err, hood.ErrUnknownType) {
		t.Errorf("error = %v, want ErrUnknownType", err)
	}
}

func TestTableCells(t *testing.T) {
	path := writePlain(t, "cells.csv", sampleCSV)
	table, err := Read(path, Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	cells := table.Cells()
	if len(cells) != 3 {
		t.Fatalf("got %d cells, want 3", len(cells))
	}
	if cells[0] != (hood.Cell{ID: "c1", X: 0.5, Y: 1.5, Type: "T"}) {
		t.Errorf("cells[0] = %+v", cells[0])
	}
}
