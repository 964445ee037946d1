package session

import (
	"context"
	"errors"
	"testing"

	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/internal/filter"
	"github.com/wishgale/cytokit/internal/neighbor"
	"github.com/wishgale/cytokit/internal/sampling"
)

func openTestSession(t *testing.T, maxRender int) *Session {
	t.Helper()

	records := make([]feature.CellRecord, 100)
	for i := range records {
		records[i] = feature.CellRecord{
			ID:       int64(i + 1),
			X:        float64(i),
			Channels: map[string]float64{"dapi": float64(i)},
		}
	}
	table, err := feature.LoadTable(records)
	if err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	index, err := neighbor.BuildIndex(context.Background(), table, 1.5)
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}

	sess, err := Open(Config{
		DatasetID: "test",
		Table:     table,
		Index:     index,
		Sampling:  sampling.Config{MaxRenderCount: maxRender},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return sess
}

func mustRange(t *testing.T, column string, min, max float64) filter.Predicate {
	t.Helper()
	p, err := filter.NewRange(column, min, max)
	if err != nil {
		t.Fatalf("NewRange failed: %v", err)
	}
	return p
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(Config{})
	if err == nil {
		t.Error("expected error for missing table")
	}

	sess := openTestSession(t, 1000)
	sess.Close()

	// Zero max render count fails at open, not mid-interaction.
	_, err = Open(Config{
		DatasetID: "bad",
		Table:     sess.Table(),
		Index:     sess.Index(),
		Sampling:  sampling.Config{MaxRenderCount: 0},
	})
	var ic *sampling.InvalidConfigError
	if !errors.As(err, &ic) {
		t.Errorf("expected *sampling.InvalidConfigError, got %v", err)
	}
}

func TestCurrentResultEmptyFilters(t *testing.T) {
	sess := openTestSession(t, 1000)
	defer sess.Close()

	res, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	if res.MatchCount != 100 || len(res.IDs) != 100 {
		t.Errorf("expected full match, got match_count=%d ids=%d", res.MatchCount, len(res.IDs))
	}
	if res.Sampled || res.Rate != 1.0 {
		t.Errorf("expected exact result, got sampled=%v rate=%v", res.Sampled, res.Rate)
	}
}

func TestResultCachedUntilMutation(t *testing.T) {
	sess := openTestSession(t, 1000)
	defer sess.Close()

	res1, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	res2, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	if res1 != res2 {
		t.Error("expected the cached result pointer for an unchanged filter set")
	}

	if err := sess.ApplyFilter("f", mustRange(t, "dapi", 0, 49)); err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	res3, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	if res3 == res1 {
		t.Error("expected recomputation after a filter change")
	}
	if res3.MatchCount != 50 {
		t.Errorf("expected 50 matches, got %d", res3.MatchCount)
	}
}

func TestApplyFilterUnknownColumnLeavesStateIntact(t *testing.T) {
	sess := openTestSession(t, 1000)
	defer sess.Close()

	before, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}

	err = sess.ApplyFilter("bad", mustRange(t, "bogus", 0, 1))
	var uc *feature.UnknownColumnError
	if !errors.As(err, &uc) {
		t.Fatalf("expected *feature.UnknownColumnError, got %v", err)
	}

	// The failed apply must not touch the filter set or the cached result.
	if sess.Filters().Len() != 0 {
		t.Error("failed apply left a filter behind")
	}
	after, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	if after != before {
		t.Error("failed apply invalidated the cached result")
	}
}

func TestRemoveFilterIdempotent(t *testing.T) {
	sess := openTestSession(t, 1000)
	defer sess.Close()

	if err := sess.ApplyFilter("f", mustRange(t, "dapi", 0, 10)); err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	sess.RemoveFilter("f")
	sess.RemoveFilter("f") // absent: no-op
	sess.RemoveFilter("never-existed")

	res, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	if res.MatchCount != 100 {
		t.Errorf("expected full match after removal, got %d", res.MatchCount)
	}
}

func TestSampledResultStableAcrossPolls(t *testing.T) {
	sess := openTestSession(t, 10)
	defer sess.Close()

	res1, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	if !res1.Sampled || len(res1.IDs) != 10 {
		t.Fatalf("expected sampled result of 10, got sampled=%v n=%d", res1.Sampled, len(res1.IDs))
	}
	if res1.Rate != 0.1 {
		t.Errorf("expected rate 0.1, got %v", res1.Rate)
	}

	// A remove-then-reapply round trip lands on the same filter signature,
	// so the same sample comes back.
	if err := sess.ApplyFilter("f", mustRange(t, "dapi", 0, 98)); err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	sess.RemoveFilter("f")

	res2, err := sess.CurrentResult()
	if err != nil {
		t.Fatalf("CurrentResult failed: %v", err)
	}
	if len(res1.IDs) != len(res2.IDs) {
		t.Fatalf("sample sizes differ: %d != %d", len(res1.IDs), len(res2.IDs))
	}
	for i := range res1.IDs {
		if res1.IDs[i] != res2.IDs[i] {
			t.Fatalf("sample differs at %d: %d != %d", i, res1.IDs[i], res2.IDs[i])
		}
	}
}

func TestClosedSession(t *testing.T) {
	sess := openTestSession(t, 1000)
	sess.Close()

	if _, err := sess.CurrentResult(); err == nil {
		t.Error("expected error from a closed session")
	}
	if err := sess.ApplyFilter("f", mustRange(t, "dapi", 0, 1)); err == nil {
		t.Error("expected error applying to a closed session")
	}
}
