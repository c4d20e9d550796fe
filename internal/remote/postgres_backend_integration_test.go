package remote

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

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("HANDLESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("HANDLESYNC_TEST_POSTGRES_DSN not set")
	}

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.tableName = fmt.Sprintf("handlesync_tree_it_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&postgresIntegrationCounter, 1))
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(pg.tableName))
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	store, err := NewMemoryStoreWithOptions(MemoryStoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if err := store.Ref("arcs/k/handles/h/values").Set(map[string]any{"id": "P1-x", "value": 5}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Revision != 1 {
		t.Fatalf("expected revision 1, got %+v", loaded)
	}
	reopened, err := NewMemoryStoreWithOptions(MemoryStoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _ := reopened.Get("arcs/k/handles/h/values").(map[string]any)
	if got["id"] != "P1-x" {
		t.Fatalf("expected persisted record, got %#v", got)
	}
}
