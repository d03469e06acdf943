package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/quorum/internal/protocol"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		l, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		l.Close()
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer l.Close()

	for _, table := range []string{"ledger_rows", "outbox"} {
		var name string
		err := l.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_Pragmas(t *testing.T) {
	l := createTestLedger(t)

	if err := l.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := l.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestClose_NilDB(t *testing.T) {
	l := &Ledger{db: nil}
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	_, created, err := l1.Reserve(ctx, Reservation{
		CorrelationID: "corr-1",
		RequestType:   "KeyRequest",
		ContextID:     "ee1-bb1",
		Nodes:         protocol.Nodes(4),
	})
	if err != nil || !created {
		t.Fatalf("Reserve() = %v, %v", created, err)
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	got, found, err := l2.FindInFlight(ctx, "KeyRequest", "ee1-bb1")
	if err != nil {
		t.Fatalf("FindInFlight() failed: %v", err)
	}
	if !found || got != "corr-1" {
		t.Errorf("FindInFlight() = %q, %v; want corr-1, true", got, found)
	}
}
