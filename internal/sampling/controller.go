// Package sampling bounds the size of result sets handed to the rendering
// layer. Reduction is deterministic: the same dataset and filter state always
// yield the same subsample, so re-renders of an unchanged view are stable.
package sampling

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
)

// InvalidConfigError indicates an unusable sampling configuration.
type InvalidConfigError struct {
	Detail string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid sampling config: %s", e.Detail)
}

// Config controls result-set reduction.
type Config struct {
	// MaxRenderCount is the largest number of rows ever returned for
	// rendering. Must be positive.
	MaxRenderCount int
}

// Validate fails fast at session start so misconfiguration never surfaces
// mid-interaction.
func (c Config) Validate() error {
	if c.MaxRenderCount <= 0 {
		return &InvalidConfigError{Detail: fmt.Sprintf("max_render_count must be > 0, got %d", c.MaxRenderCount)}
	}
	return nil
}

// Seed derives the sampling seed from the dataset identity and the filter-set
// signature. Any filter change reseeds; a non-predicate refresh does not.
func Seed(datasetID string, filterSignature uint64) int64 {
	d := xxhash.New()
	d.WriteString(datasetID)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], filterSignature)
	d.Write(buf[:])
	return int64(d.Sum64())
}

// Reduce returns the rows to render for a match set. When the match set fits
// within MaxRenderCount the full set is returned exactly; otherwise a uniform
// deterministic subsample of exactly MaxRenderCount rows is drawn with the
// given seed. The sampling rate is always reported so approximation is never
// silent.
func Reduce(matchSet *roaring.Bitmap, cfg Config, seed int64) (rows []uint32, sampled bool, rate float64, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, 0, err
	}

	total := int(matchSet.GetCardinality())
	if total <= cfg.MaxRenderCount {
		return matchSet.ToArray(), false, 1.0, nil
	}

	rows = sampleRows(matchSet, cfg.MaxRenderCount, seed)
	rate = float64(cfg.MaxRenderCount) / float64(total)
	return rows, true, rate, nil
}

// sampleRows draws k rows by ranking every candidate with a per-row
// deterministic hash and keeping the k smallest ranks. Output is sorted in
// row order for stable iteration downstream.
func sampleRows(matchSet *roaring.Bitmap, k int, seed int64) []uint32 {
	if k <= 0 {
		return []uint32{}
	}

	type ranked struct {
		row  uint32
		rank uint64
	}

	// Bounded selection: keep the k smallest ranks in a max-heap laid out
	// as a slice; the root (index 0) is maintained as the current largest.
	heap := make([]ranked, 0, k)
	push := func(r ranked) {
		heap = append(heap, r)
		i := len(heap) - 1
		for i > 0 {
			parent := (i - 1) / 2
			if heap[parent].rank >= heap[i].rank {
				break
			}
			heap[parent], heap[i] = heap[i], heap[parent]
			i = parent
		}
	}
	replaceRoot := func(r ranked) {
		heap[0] = r
		i := 0
		for {
			l, ri := 2*i+1, 2*i+2
			largest := i
			if l < len(heap) && heap[l].rank > heap[largest].rank {
				largest = l
			}
			if ri < len(heap) && heap[ri].rank > heap[largest].rank {
				largest = ri
			}
			if largest == i {
				break
			}
			heap[i], heap[largest] = heap[largest], heap[i]
			i = largest
		}
	}

	it := matchSet.Iterator()
	for it.HasNext() {
		row := it.Next()
		r := ranked{row: row, rank: rowHash(seed, row)}
		if len(heap) < k {
			push(r)
		} else if r.rank < heap[0].rank {
			replaceRoot(r)
		}
	}

	rows := make([]uint32, len(heap))
	for i, r := range heap {
		rows[i] = r.row
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	return rows
}

// rowHash ranks a row under a seed. Deterministic across processes.
func rowHash(seed int64, row uint32) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(seed))
	binary.LittleEndian.PutUint32(buf[8:], row)
	return xxhash.Sum64(buf[:])
}
