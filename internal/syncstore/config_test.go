package syncstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaultsIDField(t *testing.T) {
	cfg := &Config{Stores: map[string]StoreConfig{"inventory": {}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stores["inventory"].IDField != DefaultIDField {
		t.Fatalf("expected default id field, got %q", cfg.Stores["inventory"].IDField)
	}
}

func TestConfigRejectsBookkeepingIDField(t *testing.T) {
	cfg := &Config{Stores: map[string]StoreConfig{"inventory": {IDField: FieldVersion}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("a bookkeeping field must not be usable as identity")
	}
}

func TestConfigRejectsInvalidStoreName(t *testing.T) {
	cfg := &Config{Stores: map[string]StoreConfig{"has space": {}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("invalid store names must be rejected")
	}
}

func TestCustomIDFieldHonored(t *testing.T) {
	service, err := NewService(ServiceOptions{
		Backend: NewInMemoryStateBackend(),
		Config: &Config{Stores: map[string]StoreConfig{
			"products": {IDField: "sku"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	ctx := context.Background()

	result, err := service.Apply(ctx, ApplyRequest{
		Store:       "products",
		Items:       []Record{{"sku": "A-1", "name": "Widget"}},
		LastVersion: 0,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Synced != 1 {
		t.Fatalf("expected the sku-keyed item to sync, got %+v", result)
	}

	// An item carrying only "id" has no identity in this store.
	result, err = service.Apply(ctx, ApplyRequest{
		Store:       "products",
		Items:       []Record{{"id": "ignored", "name": "Gadget"}},
		LastVersion: result.Version,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Skipped != 1 || result.Synced != 0 {
		t.Fatalf("expected the id-keyed item to be skipped, got %+v", result)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.json")
	content := `{"stores":{"inventory":{"idField":"sku"}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.idField("inventory") != "sku" {
		t.Fatalf("expected sku, got %q", cfg.idField("inventory"))
	}
	if cfg.idField("undeclared") != DefaultIDField {
		t.Fatalf("undeclared stores fall back to the default id field")
	}
}

func TestWatchConfigFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stores.json")
	if err := os.WriteFile(path, []byte(`{"stores":{}}`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	applied := make(chan *Config, 4)
	watcher, err := WatchConfigFile(path, func(cfg *Config) error {
		applied <- cfg
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte(`{"stores":{"inventory":{"idField":"sku"}}}`), 0o644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	select {
	case cfg := <-applied:
		if cfg.idField("inventory") != "sku" {
			t.Fatalf("reloaded config missing the new store: %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("config reload was not observed")
	}
}

func TestUpdateConfigRejectsBrokenConfigAtomically(t *testing.T) {
	service, err := NewService(ServiceOptions{
		Backend: NewInMemoryStateBackend(),
		Config: &Config{Stores: map[string]StoreConfig{
			"products": {IDField: "sku"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	broken := &Config{Stores: map[string]StoreConfig{
		"products": {IDField: FieldVersion},
	}}
	if err := service.UpdateConfig(broken); err == nil {
		t.Fatalf("broken config must be rejected")
	}
	if service.idFieldFor("products") != "sku" {
		t.Fatalf("a rejected reload must leave the previous config in effect")
	}
}
