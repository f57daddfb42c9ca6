package syncstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func seedBackupService(t *testing.T) *Service {
	t.Helper()
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Apply(ctx, ApplyRequest{
		Store: "inventory",
		Items: []Record{
			{"id": "item-1", "name": "Widget", FieldUpdatedAt: "2026-01-01T00:00:00Z"},
			{"id": "item-2", "name": "Gadget", FieldUpdatedAt: "2026-01-01T00:00:00Z"},
		},
		LastVersion: 0,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := service.Put(ctx, PutRequest{
		Store: "orders", ID: "o-1",
		Item: Record{"total": 5.0, FieldUpdatedAt: "2026-01-01T00:00:00Z"},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return service
}

func TestExportSnapshotsEveryStore(t *testing.T) {
	service := seedBackupService(t)
	snapshot, err := service.Export(context.Background())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(snapshot.Stores) != 2 {
		t.Fatalf("expected 2 stores in the snapshot, got %d", len(snapshot.Stores))
	}
	if len(snapshot.Stores["inventory"]) != 2 || len(snapshot.Stores["orders"]) != 1 {
		t.Fatalf("unexpected snapshot contents: %+v", snapshot.Stores)
	}
	if snapshot.CreatedAt.IsZero() {
		t.Fatalf("snapshot must carry its creation time")
	}
}

func TestExportAndRestoreRoundTrip(t *testing.T) {
	source := seedBackupService(t)
	path := filepath.Join(t.TempDir(), "backup.json")
	if _, err := source.ExportToFile(context.Background(), path); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	target, _ := newTestService(t)
	result, err := target.RestoreFromFile(context.Background(), path, RestoreNewer, "restore-job")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.Stores != 2 || result.Restored != 3 || result.Skipped != 0 {
		t.Fatalf("unexpected restore result: %+v", result)
	}

	list, _ := target.List(context.Background(), "inventory")
	if list.Count != 2 || list.Version != 1 {
		t.Fatalf("a restored store consumes one version, got %+v", list)
	}
}

func TestRestorePolicyNewer(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Put(ctx, PutRequest{
		Store: "inventory", ID: "item-1",
		Item: Record{"name": "current", FieldUpdatedAt: "2026-06-01T00:00:00Z"},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	snapshot := &Snapshot{Stores: map[string][]Record{
		"inventory": {
			{"id": "item-1", "name": "stale backup", FieldUpdatedAt: "2026-01-01T00:00:00Z"},
			{"id": "item-2", "name": "only in backup", FieldUpdatedAt: "2026-01-01T00:00:00Z"},
		},
	}}
	result, err := service.Restore(ctx, snapshot, RestoreNewer, "restore-job")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.Restored != 1 || result.Skipped != 1 {
		t.Fatalf("expected the stale record skipped and the new one restored, got %+v", result)
	}

	list, _ := service.List(ctx, "inventory")
	byID := map[string]Record{}
	for _, item := range list.Data {
		byID[item.StringField("id")] = item
	}
	if byID["item-1"].StringField("name") != "current" {
		t.Fatalf("newer live record must survive a stale backup, got %v", byID["item-1"])
	}
	if byID["item-2"].StringField("name") != "only in backup" {
		t.Fatalf("backup-only records must be restored, got %v", byID["item-2"])
	}
}

func TestRestorePolicyForceAndSkip(t *testing.T) {
	for _, tc := range []struct {
		policy   RestorePolicy
		expected string
	}{
		{RestoreForce, "from backup"},
		{RestoreSkip, "current"},
	} {
		service, _ := newTestService(t)
		ctx := context.Background()
		if _, err := service.Put(ctx, PutRequest{
			Store: "inventory", ID: "item-1",
			Item: Record{"name": "current", FieldUpdatedAt: "2026-06-01T00:00:00Z"},
		}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		snapshot := &Snapshot{Stores: map[string][]Record{
			"inventory": {{"id": "item-1", "name": "from backup", FieldUpdatedAt: "2026-01-01T00:00:00Z"}},
		}}
		if _, err := service.Restore(ctx, snapshot, tc.policy, ""); err != nil {
			t.Fatalf("restore with %s failed: %v", tc.policy, err)
		}
		list, _ := service.List(ctx, "inventory")
		if got := list.Data[0].StringField("name"); got != tc.expected {
			t.Fatalf("policy %s: expected %q, got %q", tc.policy, tc.expected, got)
		}
	}
}

func TestRestoreRejectsUnknownPolicy(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.Restore(context.Background(), &Snapshot{}, RestorePolicy("merge"), "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown policies must be rejected, got %v", err)
	}
}

func TestRestoreEmitsStoreRestoredEvent(t *testing.T) {
	service, broadcaster := newTestService(t)
	snapshot := &Snapshot{Stores: map[string][]Record{
		"inventory": {{"id": "item-1", "name": "Widget"}},
	}}
	if _, err := service.Restore(context.Background(), snapshot, RestoreNewer, "restore-job"); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	events := broadcaster.all()
	if len(events) != 1 || events[0].event != EventStoreRestored {
		t.Fatalf("expected one store:restored event, got %v", events)
	}
	if events[0].exclude != "restore-job" {
		t.Fatalf("the restoring client must be excluded from the echo, got %q", events[0].exclude)
	}
}
