//go:build !tiledb

package tiledbsource

import (
	"context"
	"fmt"
	"os"

	"github.com/wishgale/cytokit/internal/feature"
)

// Reader is a stub when built without "-tags tiledb".
type Reader struct {
	arrayURI string
}

// NewReader creates a TileDB reader (stub). It still resolves and validates
// the array path, so config issues can be caught early, but LoadRecords
// returns ErrUnsupported.
func NewReader(sourcePath string) (*Reader, error) {
	uri, err := ResolveArrayURI(sourcePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb array not found at %s: %w", uri, statErr)
	}
	return &Reader{arrayURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ArrayURI() string { return r.arrayURI }

// LoadRecords reads all cell records from the array.
func (r *Reader) LoadRecords(ctx context.Context) ([]feature.CellRecord, error) {
	return nil, ErrUnsupported
}
