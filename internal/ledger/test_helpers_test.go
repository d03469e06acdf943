package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/quorum/internal/protocol"
)

// createTestLedger opens a fresh ledger in a temp directory.
func createTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// createTestRows creates unfilled rows for a correlation.
func createTestRows(t *testing.T, l *Ledger, correlationID string, nodes []protocol.NodeID, requestType, contextID string) {
	t.Helper()
	err := l.Update(context.Background(), func(tx *Tx) error {
		return tx.CreateRows(context.Background(), correlationID, nodes, requestType, contextID)
	})
	if err != nil {
		t.Fatalf("CreateRows() failed: %v", err)
	}
}

// fixedClock returns a settable clock for created_at stamps.
type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }
