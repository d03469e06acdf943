package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/quorum/internal/protocol"
)

// OutboxRecord is an outgoing message committed together with its ledger
// rows. The record is deleted once the broker accepted the publish; records
// that survive a crash are republished by the orchestrator's sweep with the
// same DedupID so the broker can drop the duplicate.
type OutboxRecord struct {
	DedupID       string
	CorrelationID string
	Address       string
	NodeID        protocol.NodeID
	MessageType   string
	Body          []byte
	CreatedAt     time.Time
	Attempts      int
}

// Reservation describes one logical send: the rows to create and the
// messages that must go out once they are committed.
type Reservation struct {
	CorrelationID string
	RequestType   string
	ContextID     string
	Nodes         []protocol.NodeID
	Outbox        []OutboxRecord
}

// Reserve is the idempotent-submission primitive. Inside one immediate
// transaction it looks for a correlation already in flight for
// (RequestType, ContextID); if one exists its id is returned with
// created=false and nothing is written. Otherwise the rows and outbox
// records are committed and created=true.
func (l *Ledger) Reserve(ctx context.Context, r Reservation) (correlationID string, created bool, err error) {
	err = l.Update(ctx, func(tx *Tx) error {
		existing, found, err := tx.FindInFlight(ctx, r.RequestType, r.ContextID)
		if err != nil {
			return err
		}
		if found {
			correlationID = existing
			return nil
		}

		if err := tx.CreateRows(ctx, r.CorrelationID, r.Nodes, r.RequestType, r.ContextID); err != nil {
			return err
		}
		for _, rec := range r.Outbox {
			if err := tx.EnqueueOutbox(ctx, rec); err != nil {
				return err
			}
		}
		correlationID = r.CorrelationID
		created = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reserve %s: %w", r.RequestType, err)
	}
	return correlationID, created, nil
}

// EnqueueOutbox stores an outgoing message. CreatedAt defaults to now.
func (t *Tx) EnqueueOutbox(ctx context.Context, rec OutboxRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox
		(dedup_id, correlation_id, address, node_id, message_type, body, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.DedupID,
		rec.CorrelationID,
		rec.Address,
		int(rec.NodeID),
		rec.MessageType,
		rec.Body,
		createdAt.UnixMilli(),
		rec.Attempts,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("enqueue outbox %s: %w", rec.DedupID, ErrRowExists)
		}
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// PendingOutbox returns up to limit records created at or before cutoff,
// oldest first. A limit <= 0 means no limit.
func (l *Ledger) PendingOutbox(ctx context.Context, cutoff time.Time, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT dedup_id, correlation_id, address, node_id, message_type, body, created_at, attempts
		FROM outbox
		WHERE created_at <= ?
		ORDER BY created_at ASC, dedup_id COLLATE BINARY ASC
		LIMIT ?
	`, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()

	out := []OutboxRecord{}
	for rows.Next() {
		var (
			rec       OutboxRecord
			node      int
			createdAt int64
		)
		if err := rows.Scan(&rec.DedupID, &rec.CorrelationID, &rec.Address, &node, &rec.MessageType, &rec.Body, &createdAt, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		rec.NodeID = protocol.NodeID(node)
		rec.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// DeleteOutbox drops a record after a successful publish. Deleting a record
// that is already gone is not an error.
func (l *Ledger) DeleteOutbox(ctx context.Context, dedupID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM outbox WHERE dedup_id = ?`, dedupID); err != nil {
		return fmt.Errorf("delete outbox %s: %w", dedupID, err)
	}
	return nil
}

// TouchOutbox counts a failed publish attempt.
func (l *Ledger) TouchOutbox(ctx context.Context, dedupID string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE dedup_id = ?`, dedupID)
	if err != nil {
		return fmt.Errorf("touch outbox %s: %w", dedupID, err)
	}
	return nil
}
