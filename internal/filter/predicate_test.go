package filter

import (
	"math"
	"testing"
)

func TestNewRangeValidation(t *testing.T) {
	if _, err := NewRange("dapi", 0, 10); err != nil {
		t.Errorf("valid range rejected: %v", err)
	}
	if _, err := NewRange("dapi", math.Inf(-1), math.Inf(1)); err != nil {
		t.Errorf("unbounded range rejected: %v", err)
	}
	if _, err := NewRange("", 0, 10); err == nil {
		t.Error("expected error for empty column")
	}
	if _, err := NewRange("dapi", math.NaN(), 10); err == nil {
		t.Error("expected error for NaN bound")
	}
	if _, err := NewRange("dapi", 10, 0); err == nil {
		t.Error("expected error for max < min")
	}
}

func TestNewValueSetValidation(t *testing.T) {
	p, err := NewValueSet("region", []float64{3, 1, 2})
	if err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}
	got := p.Values()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("expected sorted values, got %v", got)
	}

	if _, err := NewValueSet("", []float64{1}); err == nil {
		t.Error("expected error for empty column")
	}
	if _, err := NewValueSet("region", nil); err == nil {
		t.Error("expected error for empty value list")
	}
	if _, err := NewValueSet("region", []float64{math.NaN()}); err == nil {
		t.Error("expected error for NaN value")
	}
}

func TestNewNeighborCountValidation(t *testing.T) {
	if _, err := NewNeighborCount(2, 5); err != nil {
		t.Errorf("valid bounds rejected: %v", err)
	}
	if _, err := NewNeighborCount(2, -1); err != nil {
		t.Errorf("open upper bound rejected: %v", err)
	}
	if _, err := NewNeighborCount(-1, 5); err == nil {
		t.Error("expected error for negative lower bound")
	}
	if _, err := NewNeighborCount(5, 2); err == nil {
		t.Error("expected error for max < min")
	}
}

func mustRange(t *testing.T, column string, min, max float64) Predicate {
	t.Helper()
	p, err := NewRange(column, min, max)
	if err != nil {
		t.Fatalf("NewRange failed: %v", err)
	}
	return p
}

func TestSetApplyReplaceRemove(t *testing.T) {
	s := NewSet()
	s.Apply("a", mustRange(t, "dapi", 0, 1))
	s.Apply("b", mustRange(t, "cd45", 0, 1))
	if s.Len() != 2 {
		t.Fatalf("expected 2 filters, got %d", s.Len())
	}

	// Replace keeps the original position.
	s.Apply("a", mustRange(t, "dapi", 5, 6))
	names := s.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("unexpected order after replace: %v", names)
	}
	p, _ := s.Get("a")
	if min, _ := p.Bounds(); min != 5 {
		t.Errorf("replace did not take effect: min=%v", min)
	}

	if !s.Remove("a") {
		t.Error("expected Remove to report true for present name")
	}
	if s.Remove("a") {
		t.Error("expected Remove to report false for absent name")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 filter after remove, got %d", s.Len())
	}
}

func TestSignatureStability(t *testing.T) {
	a := NewSet()
	a.Apply("one", mustRange(t, "dapi", 0, 1))
	a.Apply("two", mustRange(t, "cd45", 2, 3))

	// Same filters applied in the opposite order.
	b := NewSet()
	b.Apply("two", mustRange(t, "cd45", 2, 3))
	b.Apply("one", mustRange(t, "dapi", 0, 1))

	if a.Signature() != b.Signature() {
		t.Error("signature must not depend on application order")
	}

	// Changing a bound changes the signature.
	b.Apply("two", mustRange(t, "cd45", 2, 4))
	if a.Signature() == b.Signature() {
		t.Error("signature must change when a predicate changes")
	}

	// Empty sets agree.
	if NewSet().Signature() != NewSet().Signature() {
		t.Error("empty set signature is not stable")
	}
}

func TestClone(t *testing.T) {
	s := NewSet()
	s.Apply("a", mustRange(t, "dapi", 0, 1))

	c := s.Clone()
	c.Apply("b", mustRange(t, "cd45", 0, 1))

	if s.Len() != 1 || c.Len() != 2 {
		t.Errorf("clone is not independent: orig=%d clone=%d", s.Len(), c.Len())
	}
}
