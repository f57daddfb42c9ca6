package syncstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testBackendRoundTrip(t *testing.T, backend StateBackend) {
	t.Helper()
	ctx := context.Background()

	loaded, err := backend.Load(ctx, "inventory")
	if err != nil {
		t.Fatalf("loading an absent store must not fail: %v", err)
	}
	if loaded != nil {
		t.Fatalf("absent store must load as nil, got %+v", loaded)
	}

	meta := NewStoreMetadata("inventory")
	meta.Records["item-1"] = Record{"id": "item-1", "name": "Widget"}
	meta.appendVersion(OpCreate, []string{"item-1"}, "client-a", time.Now().UTC())

	if err := backend.Save(ctx, "inventory", meta); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := backend.Save(ctx, "orders", NewStoreMetadata("orders")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err = backend.Load(ctx, "inventory")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil || loaded.CurrentVersion != 1 {
		t.Fatalf("expected version 1 after reload, got %+v", loaded)
	}
	if loaded.Records["item-1"].StringField("name") != "Widget" {
		t.Fatalf("record content lost in round trip: %+v", loaded.Records)
	}
	if loaded.Tombstones == nil || loaded.VersionLog == nil {
		t.Fatalf("reload must normalize nil maps")
	}

	names, err := backend.ListStores(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 2 || names[0] != "inventory" || names[1] != "orders" {
		t.Fatalf("expected sorted [inventory orders], got %v", names)
	}
}

func TestJSONDirStateBackend(t *testing.T) {
	backend := NewJSONDirStateBackend(filepath.Join(t.TempDir(), "stores"))
	testBackendRoundTrip(t, backend)
}

func TestInMemoryStateBackend(t *testing.T) {
	testBackendRoundTrip(t, NewInMemoryStateBackend())
}

func TestInMemoryBackendIsolatesCallers(t *testing.T) {
	backend := NewInMemoryStateBackend()
	ctx := context.Background()

	meta := NewStoreMetadata("inventory")
	meta.Records["item-1"] = Record{"id": "item-1", "name": "Widget"}
	if err := backend.Save(ctx, "inventory", meta); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Mutating the caller's copy after save must not leak into the backend.
	meta.Records["item-1"]["name"] = "Mutated"

	loaded, err := backend.Load(ctx, "inventory")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Records["item-1"].StringField("name") != "Widget" {
		t.Fatalf("backend shared live references with the caller")
	}
}

func TestStoreNameValidation(t *testing.T) {
	for _, name := range []string{"inventory", "a", "orders_2026", "user.data", "a-b"} {
		if !validStoreName(name) {
			t.Fatalf("expected %q to be valid", name)
		}
	}
	for _, name := range []string{"", ".hidden", "-lead", "has space", "has/slash", "../escape"} {
		if validStoreName(name) {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}
