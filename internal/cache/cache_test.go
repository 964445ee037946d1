package cache

import "testing"

func TestViewKey(t *testing.T) {
	t.Run("stable", func(t *testing.T) {
		key1 := ViewKey("codex_spleen", 0xabcd, "CD45", "viridis", 800)
		key2 := ViewKey("codex_spleen", 0xabcd, "CD45", "viridis", 800)
		if key1 != key2 {
			t.Fatalf("expected stable key, got %q vs %q", key1, key2)
		}
	})

	t.Run("signatureChangesKey", func(t *testing.T) {
		key1 := ViewKey("codex_spleen", 0xabcd, "CD45", "viridis", 800)
		key2 := ViewKey("codex_spleen", 0xabce, "CD45", "viridis", 800)
		if key1 == key2 {
			t.Fatalf("expected different keys for different signatures, got %q", key1)
		}
	})

	t.Run("datasetChangesKey", func(t *testing.T) {
		key1 := ViewKey("codex_spleen", 0xabcd, "CD45", "viridis", 800)
		key2 := ViewKey("codex_tonsil", 0xabcd, "CD45", "viridis", 800)
		if key1 == key2 {
			t.Fatalf("expected different keys for different datasets, got %q", key1)
		}
	})
}

func TestResultKey(t *testing.T) {
	key1 := ResultKey("codex_spleen", 42)
	key2 := ResultKey("codex_spleen", 42)
	if key1 != key2 {
		t.Fatalf("expected stable key, got %q vs %q", key1, key2)
	}
	if key1 == ResultKey("codex_spleen", 43) {
		t.Fatal("expected signature to change the key")
	}
}
