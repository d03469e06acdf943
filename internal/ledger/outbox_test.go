package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quorum/internal/protocol"
)

func testReservation(correlationID, contextID string) Reservation {
	nodes := protocol.Nodes(4)
	var recs []OutboxRecord
	for _, n := range nodes {
		recs = append(recs, OutboxRecord{
			DedupID:       fmt.Sprintf("%s-dedup-%d", correlationID, n),
			CorrelationID: correlationID,
			Address:       fmt.Sprintf("requests.%d", n),
			NodeID:        n,
			MessageType:   "KeyRequest",
			Body:          []byte("body"),
		})
	}
	return Reservation{
		CorrelationID: correlationID,
		RequestType:   "KeyRequest",
		ContextID:     contextID,
		Nodes:         nodes,
		Outbox:        recs,
	}
}

func TestReserve_CreatesRowsAndOutbox(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()

	got, created, err := l.Reserve(ctx, testReservation("corr-1", "ee1-bb1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "corr-1", got)

	rows, err := l.FetchAll(ctx, "corr-1")
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	pending, err := l.PendingOutbox(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestReserve_DuplicateReturnsExistingCorrelation(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()

	_, _, err := l.Reserve(ctx, testReservation("corr-1", "ee1-bb1"))
	require.NoError(t, err)

	got, created, err := l.Reserve(ctx, testReservation("corr-2", "ee1-bb1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "corr-1", got)

	rows, err := l.FetchAll(ctx, "corr-2")
	require.NoError(t, err)
	assert.Empty(t, rows, "duplicate submission must not create rows")

	pending, err := l.PendingOutbox(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 4, "duplicate submission must not enqueue messages")
}

func TestReserve_ConcurrentSubmissionsCollapse(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()
	const callers = 16

	results := make([]string, callers)
	createdCount := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, created, err := l.Reserve(ctx, testReservation(fmt.Sprintf("corr-%d", i), "ee1-bb1"))
			assert.NoError(t, err)
			results[i] = got
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := range results {
		assert.Equal(t, results[0], results[i], "every caller gets the same correlation id")
		if createdCount[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators)

	rows, err := l.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestPendingOutbox_CutoffAndOrder(t *testing.T) {
	clock := &fixedClock{t: time.UnixMilli(1_000_000)}
	l := createTestLedger(t, WithClock(clock.Now))
	ctx := context.Background()

	_, _, err := l.Reserve(ctx, testReservation("old", "ctx-old"))
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Minute)
	_, _, err = l.Reserve(ctx, testReservation("new", "ctx-new"))
	require.NoError(t, err)

	pending, err := l.PendingOutbox(ctx, time.UnixMilli(1_000_000), 0)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for _, rec := range pending {
		assert.Equal(t, "old", rec.CorrelationID)
	}

	pending, err = l.PendingOutbox(ctx, clock.t, 5)
	require.NoError(t, err)
	assert.Len(t, pending, 5)
	assert.Equal(t, "old", pending[0].CorrelationID)
}

func TestOutbox_DeleteAndTouch(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Reserve(ctx, testReservation("corr-1", "ee1"))
	require.NoError(t, err)

	require.NoError(t, l.TouchOutbox(ctx, "corr-1-dedup-1"))
	require.NoError(t, l.TouchOutbox(ctx, "corr-1-dedup-1"))
	require.NoError(t, l.DeleteOutbox(ctx, "corr-1-dedup-2"))
	require.NoError(t, l.DeleteOutbox(ctx, "corr-1-dedup-2"), "deleting twice is fine")

	pending, err := l.PendingOutbox(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, protocol.NodeID(1), pending[0].NodeID)
}

func TestDeleteAll_DropsOutboxLeftovers(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Reserve(ctx, testReservation("corr-1", "ee1"))
	require.NoError(t, err)

	err = l.WithCorrelationLock(ctx, "corr-1", func(tx *Tx) error {
		_, err := tx.DeleteAll(ctx, "corr-1")
		return err
	})
	require.NoError(t, err)

	pending, err := l.PendingOutbox(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
