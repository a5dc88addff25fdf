package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/alarmfeed/internal/eventcache"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("alarmfeed_cache_it")
	backend.stateKey = "it"
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &Snapshot{
		Version: SnapshotVersion,
		SavedAt: time.Now().UTC(),
		Events: []eventcache.Event{
			{Index: "7", EventRef: "E7", Action: eventcache.ActionStatusChange, CurrentState: eventcache.StateFault, Message: "pump"},
		},
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || len(loaded.Events) != 1 || loaded.Events[0].Index != "7" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}

	loaded.Events = append(loaded.Events, eventcache.Event{Index: "8", EventRef: "E8", Action: eventcache.ActionAlarmAck})
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || len(reloaded.Events) != 2 {
		t.Fatalf("expected upserted snapshot with 2 events, got %+v", reloaded)
	}

	if err := backend.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if cleared, err := backend.Load(); err != nil || cleared != nil {
		t.Fatalf("expected nil snapshot after clear, got %+v (%v)", cleared, err)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ALARMFEED_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ALARMFEED_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
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
