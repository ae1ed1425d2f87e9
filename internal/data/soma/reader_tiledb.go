//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"strconv"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/hoodscan/server/internal/data/celltable"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// ReadCellTable streams the obs dataframe and returns per-cell centroid
// coordinates plus one categorical cell-type column. Cell IDs are the obs
// soma_joinid values; null or empty type values are kept as unannotated.
func (r *Reader) ReadCellTable(xColumn, yColumn, typeColumn string) (*celltable.Table, error) {
	obsURI := r.experimentURI + "/obs"
	arr, err := tiledb.NewArray(r.ctx, obsURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open obs array: %w", err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open obs array for read: %w", err)
	}
	defer arr.Close()

	xType, err := attributeType(arr, xColumn)
	if err != nil {
		return nil, fmt.Errorf("coordinate column %q not found in obs: %w", xColumn, err)
	}
	yType, err := attributeType(arr, yColumn)
	if err != nil {
		return nil, fmt.Errorf("coordinate column %q not found in obs: %w", yColumn, err)
	}
	typeNullable, err := attributeNullable(arr, typeColumn)
	if err != nil {
		return nil, fmt.Errorf("type column %q not found in obs: %w", typeColumn, err)
	}
	xNullable, _ := attributeNullable(arr, xColumn)
	yNullable, _ := attributeNullable(arr, yColumn)

	// Use non-empty domain to avoid relying on potentially unbounded dimension domains.
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return nil, fmt.Errorf("failed to get obs non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return &celltable.Table{Path: obsURI}, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse obs non-empty domain: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create obs subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set obs range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create obs query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set obs subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set obs query layout: %w", err)
	}

	// Stream in chunks
	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	xBuf, err := newFloatColumn(xType, chunkRows)
	if err != nil {
		return nil, fmt.Errorf("coordinate column %q: %w", xColumn, err)
	}
	yBuf, err := newFloatColumn(yType, chunkRows)
	if err != nil {
		return nil, fmt.Errorf("coordinate column %q: %w", yColumn, err)
	}
	offsets := make([]uint64, chunkRows)
	dataBytes := make([]byte, 2*1024*1024) // 2MB for var-length type-column bytes
	var typeValidity, xValidity, yValidity []uint8
	if typeNullable {
		typeValidity = make([]uint8, chunkRows)
	}
	if xNullable {
		xValidity = make([]uint8, chunkRows)
	}
	if yNullable {
		yValidity = make([]uint8, chunkRows)
	}

	table := &celltable.Table{Path: obsURI}
	for {
		// Reset buffers each submit so TileDB sees full capacities (buffer sizes are in/out params).
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetDataBuffer(xColumn, xBuf.buffer()); err != nil {
			return nil, fmt.Errorf("failed to set buffer %s: %w", xColumn, err)
		}
		if _, err := q.SetDataBuffer(yColumn, yBuf.buffer()); err != nil {
			return nil, fmt.Errorf("failed to set buffer %s: %w", yColumn, err)
		}
		if _, err := q.SetOffsetsBuffer(typeColumn, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", typeColumn, err)
		}
		if _, err := q.SetDataBuffer(typeColumn, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", typeColumn, err)
		}
		if typeNullable {
			if _, err := q.SetValidityBuffer(typeColumn, typeValidity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", typeColumn, err)
			}
		}
		if xNullable {
			if _, err := q.SetValidityBuffer(xColumn, xValidity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", xColumn, err)
			}
		}
		if yNullable {
			if _, err := q.SetValidityBuffer(yColumn, yValidity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", yColumn, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("obs query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("obs query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("obs query ResultBufferElements failed: %w", err)
		}

		usedJoin := clampUsed(int(elems["soma_joinid"][1]), len(joinIDs))
		usedX := clampUsed(int(elems[xColumn][1]), chunkRows)
		usedY := clampUsed(int(elems[yColumn][1]), chunkRows)
		usedOffsets := clampUsed(int(elems[typeColumn][0]), len(offsets))
		usedBytes := clampUsed(int(elems[typeColumn][1]), len(dataBytes))
		usedValid := 0
		if typeNullable {
			usedValid = clampUsed(int(elems[typeColumn][2]), len(typeValidity))
		}

		// Grow buffer if needed
		if status == tiledb.TILEDB_INCOMPLETE && usedJoin == 0 && usedOffsets == 0 && usedBytes == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, fmt.Errorf("obs query buffers too small for column %s", typeColumn)
		}

		data := dataBytes[:usedBytes]
		lim := usedJoin
		if usedX < lim {
			lim = usedX
		}
		if usedY < lim {
			lim = usedY
		}
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if typeNullable && usedValid > 0 && usedValid < lim {
			lim = usedValid
		}

		for i := 0; i < lim; i++ {
			x := xBuf.value(i)
			y := yBuf.value(i)
			if xNullable && xValidity[i] == 0 {
				x = math.NaN() // surfaces as MissingCoordinates at dataset build
			}
			if yNullable && yValidity[i] == 0 {
				y = math.NaN()
			}

			label := ""
			if !typeNullable || usedValid == 0 || typeValidity[i] != 0 {
				start := int(offsets[i])
				end := len(data)
				if i+1 < usedOffsets {
					end = int(offsets[i+1])
				}
				if start >= 0 && end >= start && end <= len(data) {
					label = string(data[start:end])
				}
			}

			table.IDs = append(table.IDs, strconv.FormatInt(joinIDs[i], 10))
			table.X = append(table.X, x)
			table.Y = append(table.Y, y)
			table.Types = append(table.Types, label)
		}

		if status == tiledb.TILEDB_COMPLETED {
			return table, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status for obs: %v", status)
		}
	}
}

// floatColumn abstracts over float32/float64 obs coordinate attributes.
type floatColumn struct {
	f64 []float64
	f32 []float32
}

func newFloatColumn(dt tiledb.Datatype, n int) (*floatColumn, error) {
	switch dt {
	case tiledb.TILEDB_FLOAT64:
		return &floatColumn{f64: make([]float64, n)}, nil
	case tiledb.TILEDB_FLOAT32:
		return &floatColumn{f32: make([]float32, n)}, nil
	default:
		return nil, fmt.Errorf("unsupported coordinate datatype %v (want float32 or float64)", dt)
	}
}

func (c *floatColumn) buffer() interface{} {
	if c.f64 != nil {
		return c.f64
	}
	return c.f32
}

func (c *floatColumn) value(i int) float64 {
	if c.f64 != nil {
		return c.f64[i]
	}
	return float64(c.f32[i])
}

func clampUsed(used, capacity int) int {
	if used > capacity {
		return capacity
	}
	return used
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case [2]int64:
		return v[0], v[1], nil
	}
	return 0, 0, fmt.Errorf("unexpected non-empty domain bounds type %T", bounds)
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()

	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()

	return attr.Nullable()
}

func attributeType(arr *tiledb.Array, name string) (tiledb.Datatype, error) {
	schema, err := arr.Schema()
	if err != nil {
		return 0, err
	}
	defer schema.Free()

	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return 0, err
	}
	defer attr.Free()

	return attr.Type()
}
