// Package tiledbsource provides read-only access to per-cell measurement
// tables stored as a TileDB array.
//
// This is intentionally small: the explorer only needs to pull the full set
// of cell records once at load time. The array is expected to be sparse with
// an int64 "cell_id" dimension and float64 attributes named x, y and
// optionally z, quality, region, tile_x, tile_y, ch:* and morph:*.
package tiledbsource

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb support is not enabled in this build (build with: go build -tags tiledb)")

// ResolveArrayURI accepts either:
//   - /path/to/.../cells.tdb
//   - /path/to/.../dataset  (parent directory)
//
// and returns the cells array path.
func ResolveArrayURI(sourcePath string) (string, error) {
	p := strings.TrimSpace(sourcePath)
	if p == "" {
		return "", errors.New("empty tiledb source_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".tdb") {
		return p, nil
	}
	return filepath.Join(p, "cells.tdb"), nil
}
