package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := kv.Set(ctx, "last_known", `{"latitude":59.3}`); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	val, ok, err := kv.Get(ctx, "last_known")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if val != `{"latitude":59.3}` {
		t.Errorf("value = %q", val)
	}

	if err := kv.Remove(ctx, "last_known"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "last_known"); ok {
		t.Error("expected key removed")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locfix_test.db")

	kv, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer kv.Close()

	if err := kv.Set(ctx, "cache:59.330:18.069", "entry1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	// Overwrite must replace, not duplicate
	if err := kv.Set(ctx, "cache:59.330:18.069", "entry2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	val, ok, err := kv.Get(ctx, "cache:59.330:18.069")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if val != "entry2" {
		t.Errorf("value = %q; want entry2", val)
	}

	if err := kv.Remove(ctx, "cache:59.330:18.069"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "cache:59.330:18.069"); ok {
		t.Error("expected key removed")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locfix_test.db")

	kv, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := kv.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	kv.Close()

	kv2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer kv2.Close()

	val, ok, err := kv2.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Errorf("expected persisted value, got val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "dynamo"})
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenDefaultsToMemory(t *testing.T) {
	kv, err := Open(context.Background(), Config{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, ok := kv.(*Memory); !ok {
		t.Errorf("expected memory backend, got %T", kv)
	}
}
