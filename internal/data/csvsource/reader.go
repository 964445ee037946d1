// Package csvsource loads per-cell measurement tables from delimited files.
// This is the default dataset source; the engine itself does not care about
// on-disk formats.
package csvsource

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wishgale/cytokit/internal/feature"
)

// Column header prefixes for measurement columns. Anything not recognized as
// a fixed column or a channel is treated as a morphology metric.
const (
	channelPrefix = "ch:"
	morphPrefix   = "morph:"
)

// Load reads cell records from a CSV file. Files ending in .gz or .zst are
// decompressed transparently. The header must carry id, x and y; z, region,
// tile_x, tile_y and quality are optional; ch:* columns are intensity
// channels and all remaining columns morphology metrics. Empty and NaN
// fields are loaded as missing values.
//
// Loading is the one long-running operation in a session's life; the context
// cancels it, and a cancelled load discards all partial state.
func Load(ctx context.Context, path string) ([]feature.CellRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	r := csv.NewReader(src)
	r.ReuseRecord = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	layout, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	var records []feature.CellRecord
	line := 1
	for {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", line, err)
		}
		line++

		rec, err := layout.parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		records = append(records, rec)
	}

	return records, nil
}

type headerLayout struct {
	id, x, y, z            int
	region, tileX, tileY   int
	quality                int
	channels, morphMetrics map[string]int
}

func parseHeader(header []string) (*headerLayout, error) {
	l := &headerLayout{
		id: -1, x: -1, y: -1, z: -1,
		region: -1, tileX: -1, tileY: -1, quality: -1,
		channels:     make(map[string]int),
		morphMetrics: make(map[string]int),
	}
	for i, name := range header {
		name = strings.TrimSpace(name)
		switch name {
		case "id":
			l.id = i
		case "x":
			l.x = i
		case "y":
			l.y = i
		case "z":
			l.z = i
		case "region":
			l.region = i
		case "tile_x":
			l.tileX = i
		case "tile_y":
			l.tileY = i
		case "quality":
			l.quality = i
		default:
			switch {
			case strings.HasPrefix(name, channelPrefix):
				l.channels[strings.TrimPrefix(name, channelPrefix)] = i
			case strings.HasPrefix(name, morphPrefix):
				l.morphMetrics[strings.TrimPrefix(name, morphPrefix)] = i
			default:
				l.morphMetrics[name] = i
			}
		}
	}
	if l.id < 0 || l.x < 0 || l.y < 0 {
		return nil, fmt.Errorf("header must contain id, x and y columns, got %v", header)
	}
	return l, nil
}

func (l *headerLayout) parseRow(row []string) (feature.CellRecord, error) {
	var rec feature.CellRecord

	id, err := strconv.ParseInt(strings.TrimSpace(row[l.id]), 10, 64)
	if err != nil {
		return rec, fmt.Errorf("bad cell id %q: %w", row[l.id], err)
	}
	rec.ID = id

	if rec.X, err = parseValue(row, l.x); err != nil {
		return rec, fmt.Errorf("bad x: %w", err)
	}
	if rec.Y, err = parseValue(row, l.y); err != nil {
		return rec, fmt.Errorf("bad y: %w", err)
	}
	if rec.Z, err = parseValue(row, l.z); err != nil {
		return rec, fmt.Errorf("bad z: %w", err)
	}
	if rec.Quality, err = parseValue(row, l.quality); err != nil {
		return rec, fmt.Errorf("bad quality: %w", err)
	}

	if rec.Region, err = parseIntValue(row, l.region); err != nil {
		return rec, fmt.Errorf("bad region: %w", err)
	}
	if rec.TileX, err = parseIntValue(row, l.tileX); err != nil {
		return rec, fmt.Errorf("bad tile_x: %w", err)
	}
	if rec.TileY, err = parseIntValue(row, l.tileY); err != nil {
		return rec, fmt.Errorf("bad tile_y: %w", err)
	}

	rec.Channels = make(map[string]float64, len(l.channels))
	for name, col := range l.channels {
		v, err := parseValue(row, col)
		if err != nil {
			return rec, fmt.Errorf("bad channel %s: %w", name, err)
		}
		rec.Channels[name] = v
	}
	rec.Morphology = make(map[string]float64, len(l.morphMetrics))
	for name, col := range l.morphMetrics {
		v, err := parseValue(row, col)
		if err != nil {
			return rec, fmt.Errorf("bad metric %s: %w", name, err)
		}
		rec.Morphology[name] = v
	}
	return rec, nil
}

func parseValue(row []string, col int) (float64, error) {
	if col < 0 || col >= len(row) {
		return 0, nil
	}
	s := strings.TrimSpace(row[col])
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseIntValue(row []string, col int) (int, error) {
	if col < 0 || col >= len(row) {
		return 0, nil
	}
	s := strings.TrimSpace(row[col])
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
