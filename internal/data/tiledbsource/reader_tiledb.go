//go:build tiledb

package tiledbsource

import (
	"context"
	"fmt"
	"os"
	"strings"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/wishgale/cytokit/internal/feature"
)

// Reader loads cell records from a TileDB array.
type Reader struct {
	arrayURI string
	ctx      *tiledb.Context
}

func NewReader(sourcePath string) (*Reader, error) {
	uri, err := ResolveArrayURI(sourcePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb array not found at %s: %w", uri, statErr)
	}

	tctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{arrayURI: uri, ctx: tctx}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ArrayURI() string { return r.arrayURI }

// LoadRecords reads all cell records from the array, streaming in chunks so
// large datasets do not require one giant allocation.
func (r *Reader) LoadRecords(ctx context.Context) ([]feature.CellRecord, error) {
	arr, err := tiledb.NewArray(r.ctx, r.arrayURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open cells array (%s): %w", r.arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open cells array for read: %w", err)
	}
	defer arr.Close()

	attrs, err := attributeNames(arr)
	if err != nil {
		return nil, err
	}

	// Use non-empty domain to avoid relying on potentially unbounded
	// dimension domains.
	ned, isEmpty, err := arr.NonEmptyDomainFromName("cell_id")
	if err != nil {
		return nil, fmt.Errorf("failed to get cells non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("cell_id", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set cell range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	const chunkRows = 8192
	ids := make([]int64, chunkRows)
	buffers := make(map[string][]float64, len(attrs))
	for _, name := range attrs {
		buffers[name] = make([]float64, chunkRows)
	}

	var records []feature.CellRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Reset buffers each submit so TileDB sees full capacities
		// (buffer sizes are in/out params).
		if _, err := q.SetDataBuffer("cell_id", ids); err != nil {
			return nil, fmt.Errorf("failed to set buffer cell_id: %w", err)
		}
		for _, name := range attrs {
			if _, err := q.SetDataBuffer(name, buffers[name]); err != nil {
				return nil, fmt.Errorf("failed to set buffer %s: %w", name, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		got := int(elems["cell_id"][1])
		if got > len(ids) {
			got = len(ids)
		}

		for i := 0; i < got; i++ {
			rec := feature.CellRecord{
				ID:         ids[i],
				Channels:   make(map[string]float64),
				Morphology: make(map[string]float64),
			}
			for _, name := range attrs {
				v := buffers[name][i]
				switch name {
				case "x":
					rec.X = v
				case "y":
					rec.Y = v
				case "z":
					rec.Z = v
				case "quality":
					rec.Quality = v
				case "region":
					rec.Region = int(v)
				case "tile_x":
					rec.TileX = int(v)
				case "tile_y":
					rec.TileY = int(v)
				default:
					switch {
					case strings.HasPrefix(name, "ch:"):
						rec.Channels[strings.TrimPrefix(name, "ch:")] = v
					case strings.HasPrefix(name, "morph:"):
						rec.Morphology[strings.TrimPrefix(name, "morph:")] = v
					default:
						rec.Morphology[name] = v
					}
				}
			}
			records = append(records, rec)
		}

		if status == tiledb.TILEDB_COMPLETED {
			return records, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

func attributeNames(arr *tiledb.Array) ([]string, error) {
	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get array schema: %w", err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}

	var names []string
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, err := attr.Name()
		attr.Free()
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}
