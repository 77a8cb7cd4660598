package dbopen

import (
	"testing"

	_ "modernc.org/sqlite"
)

func TestOpenMemory(t *testing.T) {
	// WHAT: OpenMemory returns a usable database with pragmas applied.
	// WHY: Every store test builds on this fixture.
	db := OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys: got %d, want 1", fk)
	}
}

func TestOpenWithSchema(t *testing.T) {
	// WHAT: Inline schema runs after pragmas during Open.
	// WHY: Stores pass their schema constant through this option.
	db := OpenMemory(t, WithSchema(`CREATE TABLE things (id TEXT PRIMARY KEY)`))

	if _, err := db.Exec(`INSERT INTO things (id) VALUES ('a')`); err != nil {
		t.Fatalf("insert into schema table: %v", err)
	}
}

func TestOpenDefaultBusyTimeout(t *testing.T) {
	// WHAT: busy_timeout default is applied.
	// WHY: Missing busy_timeout causes SQLITE_BUSY under concurrent writes.
	db := OpenMemory(t)

	var ms int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&ms); err != nil {
		t.Fatalf("pragma busy_timeout: %v", err)
	}
	if ms != 10_000 {
		t.Errorf("busy_timeout: got %d, want 10000", ms)
	}
}
