package syncstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYNCSTORE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set SYNCSTORE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName() string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("syncstore_state_test_%d_%d", time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}

func TestPostgresStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName()
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, tableName) })

	backend := &PostgresStateBackend{dsn: dsn, tableName: tableName, openDB: sql.Open}
	t.Cleanup(func() { _ = backend.Close() })

	testBackendRoundTrip(t, backend)
}

func TestPostgresStateBackendOverwritesSnapshot(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName()
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, tableName) })

	backend := &PostgresStateBackend{dsn: dsn, tableName: tableName, openDB: sql.Open}
	t.Cleanup(func() { _ = backend.Close() })
	ctx := context.Background()

	meta := NewStoreMetadata("inventory")
	meta.appendVersion(OpCreate, []string{"item-1"}, "", time.Now().UTC())
	if err := backend.Save(ctx, "inventory", meta); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	meta.appendVersion(OpUpdate, []string{"item-1"}, "", time.Now().UTC())
	if err := backend.Save(ctx, "inventory", meta); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := backend.Load(ctx, "inventory")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.CurrentVersion != 2 {
		t.Fatalf("expected the latest snapshot, got version %d", loaded.CurrentVersion)
	}
	names, err := backend.ListStores(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("an upsert must not duplicate the row, got %v", names)
	}
}
