package feature

import (
	"math"
	"sort"
)

// ColumnSummary holds descriptive statistics for one table column, used by
// the rendering layer to scale color ranges and annotate views.
type ColumnSummary struct {
	Column    string    `json:"column"`
	Count     int       `json:"count"`
	Missing   int       `json:"missing"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Mean      float64   `json:"mean"`
	P80       float64   `json:"p80"`
	Histogram []int     `json:"histogram"`
	BinEdges  []float64 `json:"bin_edges"`
}

const summaryHistogramBins = 20

// Summarize computes summary statistics for a column, skipping missing
// values. Fails with UnknownColumnError for absent columns.
func (t *Table) Summarize(column string) (*ColumnSummary, error) {
	vals, err := t.Column(column)
	if err != nil {
		return nil, err
	}

	s := &ColumnSummary{Column: column}
	finite := make([]float64, 0, len(vals))
	for _, v := range vals {
		if math.IsNaN(v) {
			s.Missing++
			continue
		}
		finite = append(finite, v)
	}
	s.Count = len(finite)
	if s.Count == 0 {
		return s, nil
	}

	sum := 0.0
	s.Min, s.Max = finite[0], finite[0]
	for _, v := range finite {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(s.Count)

	// Nearest-rank 80th percentile, a robust upper bound for color scaling
	// so outliers do not compress the colormap.
	sorted := make([]float64, len(finite))
	copy(sorted, finite)
	sort.Float64s(sorted)
	idx := (80*len(sorted)+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	s.P80 = sorted[idx]

	s.Histogram = make([]int, summaryHistogramBins)
	s.BinEdges = make([]float64, summaryHistogramBins+1)
	span := s.Max - s.Min
	if span == 0 {
		span = 1
	}
	width := span / summaryHistogramBins
	for i := range s.BinEdges {
		s.BinEdges[i] = s.Min + float64(i)*width
	}
	for _, v := range finite {
		bin := int((v - s.Min) / width)
		if bin >= summaryHistogramBins {
			bin = summaryHistogramBins - 1
		}
		s.Histogram[bin]++
	}
	return s, nil
}
