package eventstore

import (
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agentworkforce/alarmfeed/internal/eventcache"
)

func newMockedPostgresBackend(t *testing.T) (*PostgresStateBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	backend, err := NewPostgresStateBackend("postgres://localhost/alarmfeed?sslmode=disable")
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "postgres" {
			t.Fatalf("expected postgres driver, got %q", driverName)
		}
		return db, nil
	}
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "alarmfeed_cache"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet sql expectations: %v", err)
		}
	})
	return backend, mock
}

func TestPostgresStateBackendLoadMissingRow(t *testing.T) {
	backend, mock := newMockedPostgresBackend(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT snapshot FROM "alarmfeed_cache" WHERE state_key = $1`)).
		WithArgs("default").
		WillReturnError(sql.ErrNoRows)

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil snapshot for missing row, got %+v", snapshot)
	}
}

func TestPostgresStateBackendLoadDecodesSnapshot(t *testing.T) {
	backend, mock := newMockedPostgresBackend(t)
	payload, _ := json.Marshal(Snapshot{Version: 1, Events: []eventcache.Event{{Index: "41", EventRef: "E1"}}})
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT snapshot FROM "alarmfeed_cache" WHERE state_key = $1`)).
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(string(payload)))

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Events) != 1 || snapshot.Events[0].EventRef != "E1" {
		t.Fatalf("expected decoded snapshot, got %+v", snapshot)
	}
}

func TestPostgresStateBackendSaveAndClear(t *testing.T) {
	backend, mock := newMockedPostgresBackend(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "alarmfeed_cache"`)).
		WithArgs("default", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "alarmfeed_cache" WHERE state_key = $1`)).
		WithArgs("default").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := backend.Save(&Snapshot{Version: 1, Events: []eventcache.Event{{Index: "1"}}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := backend.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`weird"name`); got != `"weird""name"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
}
