package feature

import (
	"errors"
	"math"
	"testing"
)

func makeRecords(n int) []CellRecord {
	records := make([]CellRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, CellRecord{
			ID:     int64(i + 1),
			X:      float64(i),
			Y:      float64(i * 2),
			Region: i % 3,
			Channels: map[string]float64{
				"dapi": float64(i) * 0.5,
				"cd45": float64(i) * 1.5,
			},
			Morphology: map[string]float64{
				"area": 100 + float64(i),
			},
			Quality: 0.9,
		})
	}
	return records
}

func TestLoadTableBasic(t *testing.T) {
	table, err := LoadTable(makeRecords(10))
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	if table.RowCount() != 10 {
		t.Errorf("expected 10 rows, got %d", table.RowCount())
	}
	if !table.HasColumn("dapi") || !table.HasColumn(ColX) {
		t.Error("expected dapi and x columns")
	}
	if got := table.ChannelColumns(); len(got) != 2 || got[0] != "cd45" || got[1] != "dapi" {
		t.Errorf("unexpected channel columns: %v", got)
	}
	if got := table.MorphologyColumns(); len(got) != 1 || got[0] != "area" {
		t.Errorf("unexpected morphology columns: %v", got)
	}

	vals, err := table.Column("dapi")
	if err != nil {
		t.Fatalf("Column failed: %v", err)
	}
	if vals[4] != 2.0 {
		t.Errorf("expected dapi[4]=2.0, got %v", vals[4])
	}
}

func TestLoadTableEmpty(t *testing.T) {
	_, err := LoadTable(nil)
	if !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestLoadTableDuplicateID(t *testing.T) {
	records := makeRecords(3)
	records[2].ID = records[0].ID

	_, err := LoadTable(records)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if se.CellID != records[0].ID {
		t.Errorf("expected offending cell id %d, got %d", records[0].ID, se.CellID)
	}
}

func TestLoadTableInconsistentChannels(t *testing.T) {
	records := makeRecords(3)
	records[1].Channels = map[string]float64{"dapi": 1}

	_, err := LoadTable(records)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
}

func TestLoadTableColumnCollision(t *testing.T) {
	t.Run("channelShadowsReserved", func(t *testing.T) {
		records := makeRecords(3)
		for i := range records {
			records[i].Channels[ColX] = 999
		}

		_, err := LoadTable(records)
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("expected *SchemaError, got %v", err)
		}
	})

	t.Run("morphologyShadowsReserved", func(t *testing.T) {
		records := makeRecords(3)
		for i := range records {
			records[i].Morphology[ColQuality] = 0.1
		}

		_, err := LoadTable(records)
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("expected *SchemaError, got %v", err)
		}
	})

	t.Run("channelAndMorphologyShareName", func(t *testing.T) {
		records := makeRecords(3)
		for i := range records {
			records[i].Channels["area"] = 1
		}

		_, err := LoadTable(records)
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("expected *SchemaError, got %v", err)
		}
	})
}

func TestUnknownColumn(t *testing.T) {
	table, err := LoadTable(makeRecords(3))
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	_, err = table.Column("bogus")
	var uc *UnknownColumnError
	if !errors.As(err, &uc) {
		t.Fatalf("expected *UnknownColumnError, got %v", err)
	}
	if uc.Column != "bogus" {
		t.Errorf("expected offending column 'bogus', got %q", uc.Column)
	}
}

func TestMissingValues(t *testing.T) {
	records := makeRecords(4)
	records[1].Channels["dapi"] = math.NaN()
	records[3].Channels["dapi"] = math.Inf(1)

	table, err := LoadTable(records)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	missing, err := table.Missing("dapi")
	if err != nil {
		t.Fatalf("Missing failed: %v", err)
	}
	if missing.GetCardinality() != 2 || !missing.Contains(1) || !missing.Contains(3) {
		t.Errorf("unexpected missing set: %v", missing.ToArray())
	}

	vals, _ := table.Column("dapi")
	if !math.IsNaN(vals[1]) || !math.IsNaN(vals[3]) {
		t.Error("expected missing values to load as NaN")
	}
}

func TestRecordLookup(t *testing.T) {
	table, err := LoadTable(makeRecords(5))
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	rec := table.Record(3)
	if rec == nil {
		t.Fatal("expected record for id 3")
	}
	if rec.X != 2 || rec.Channels["dapi"] != 1.0 || rec.Morphology["area"] != 102 {
		t.Errorf("unexpected record: %+v", rec)
	}

	if table.Record(999) != nil {
		t.Error("expected nil for absent id")
	}
}

func TestBoundsSkipMissingPositions(t *testing.T) {
	records := makeRecords(5)
	records[4].X = math.NaN()

	table, err := LoadTable(records)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	b := table.Bounds()
	if b.MinX != 0 || b.MaxX != 3 {
		t.Errorf("unexpected x bounds: [%v, %v]", b.MinX, b.MaxX)
	}
}

func TestSummarize(t *testing.T) {
	records := makeRecords(10)
	records[0].Channels["dapi"] = math.NaN()

	table, err := LoadTable(records)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}

	s, err := table.Summarize("dapi")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if s.Count != 9 || s.Missing != 1 {
		t.Errorf("expected count=9 missing=1, got count=%d missing=%d", s.Count, s.Missing)
	}
	if s.Min != 0.5 || s.Max != 4.5 {
		t.Errorf("unexpected range: [%v, %v]", s.Min, s.Max)
	}
	if len(s.Histogram) != 20 || len(s.BinEdges) != 21 {
		t.Errorf("unexpected histogram shape: %d bins, %d edges", len(s.Histogram), len(s.BinEdges))
	}

	total := 0
	for _, c := range s.Histogram {
		total += c
	}
	if total != s.Count {
		t.Errorf("histogram counts %d do not sum to count %d", total, s.Count)
	}

	if _, err := table.Summarize("bogus"); err == nil {
		t.Error("expected error for unknown column")
	}
}
