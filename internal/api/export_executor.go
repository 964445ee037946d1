package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/wishgale/cytokit/internal/exportstore"
	"github.com/wishgale/cytokit/internal/filter"
)

const exportProgressEvery = 10000

// NewExportExecutor returns the executor run by the job manager for export
// jobs. An export writes the FULL match set for the filter signature the job
// was submitted with; it never samples.
func NewExportExecutor(registry *DatasetRegistry, outDir string) func(ctx context.Context, store *exportstore.Store, jobID string) error {
	return func(ctx context.Context, store *exportstore.Store, jobID string) error {
		job, err := store.GetJob(jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %s not found", jobID)
		}

		exp := registry.Get(job.Params.DatasetID)
		if exp == nil {
			return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
		}

		filters := exp.Filters()
		if filters.Signature() != job.Params.FilterSignature {
			return fmt.Errorf("filter set changed since the job was submitted")
		}

		table := exp.Table()
		match, err := filter.Evaluate(table, exp.Index(), filters)
		if err != nil {
			return err
		}
		total := int(match.GetCardinality())

		columns := job.Params.Columns
		if len(columns) == 0 {
			columns = table.Columns()
		}
		cols := make([][]float64, len(columns))
		for i, name := range columns {
			vals, err := table.Column(name)
			if err != nil {
				return err
			}
			cols[i] = vals
		}

		if err := os.MkdirAll(outDir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
		name := jobID + ".csv"
		if job.Params.Compress {
			name += ".gz"
		}
		outPath := filepath.Join(outDir, name)

		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()

		var out io.Writer = f
		var gz *gzip.Writer
		if job.Params.Compress {
			gz = gzip.NewWriter(f)
			out = gz
		}

		w := csv.NewWriter(out)
		header := append([]string{"id"}, columns...)
		if err := w.Write(header); err != nil {
			return err
		}

		record := make([]string, len(header))
		written := 0
		it := match.Iterator()
		for it.HasNext() {
			row := it.Next()
			record[0] = strconv.FormatInt(table.IDAt(row), 10)
			for i, vals := range cols {
				record[i+1] = formatValue(vals[row])
			}
			if err := w.Write(record); err != nil {
				return err
			}

			written++
			if written%exportProgressEvery == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				store.UpdateJobProgress(jobID, written, total)
			}
		}

		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		if gz != nil {
			if err := gz.Close(); err != nil {
				return err
			}
		}
		if err := f.Close(); err != nil {
			return err
		}

		store.UpdateJobProgress(jobID, written, total)
		return store.SetJobOutput(jobID, outPath)
	}
}

// formatValue writes missing measurements as empty fields, matching the
// convention of the ingest format.
func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
