package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/quorum/internal/protocol"
)

// Row is one (correlation, node) entry of the ledger.
type Row struct {
	CorrelationID   string
	NodeID          protocol.NodeID
	RequestType     string
	ContextID       string
	ResponsePayload []byte // nil until the node responded
	ResponseType    string // "" until the node responded
	CreatedAt       time.Time
}

// Filled reports whether the node's response has been recorded.
func (r Row) Filled() bool {
	return r.ResponseType != ""
}

// Tx exposes the ledger operations inside one transaction.
// A Tx is only valid inside the callback that received it.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// CreateRows inserts one unfilled row per node id. Fails with ErrRowExists if
// any (correlationID, nodeID) key is already present; in that case nothing is
// written once the surrounding transaction rolls back.
func (t *Tx) CreateRows(ctx context.Context, correlationID string, nodeIDs []protocol.NodeID, requestType, contextID string) error {
	if len(nodeIDs) == 0 {
		return fmt.Errorf("create rows: no target nodes for %s", correlationID)
	}

	createdAt := t.now().UnixMilli()
	for _, node := range nodeIDs {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO ledger_rows
			(correlation_id, node_id, request_type, context_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, correlationID, int(node), requestType, contextID, createdAt)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("create rows: %s/%d: %w", correlationID, node, ErrRowExists)
			}
			return fmt.Errorf("create rows: %w", err)
		}
	}
	return nil
}

// FindInFlight returns the correlation id of any row recorded for the
// (requestType, contextID) pair.
func (t *Tx) FindInFlight(ctx context.Context, requestType, contextID string) (string, bool, error) {
	return findInFlight(ctx, t.tx, requestType, contextID)
}

// FillResponse stores a node's response. The row must exist and be unfilled:
// ErrRowNotFound and ErrAlreadyFilled report the two redelivery cases.
func (t *Tx) FillResponse(ctx context.Context, correlationID string, nodeID protocol.NodeID, payload []byte, responseType string) error {
	if responseType == "" {
		return fmt.Errorf("fill response: empty response type")
	}
	if payload == nil {
		payload = []byte{}
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_rows
		SET response_payload = ?, response_type = ?
		WHERE correlation_id = ? AND node_id = ? AND response_type IS NULL
	`, payload, responseType, correlationID, int(nodeID))
	if err != nil {
		return fmt.Errorf("fill response: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fill response: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing updated: either the row is gone or it was filled before.
	var exists int
	err = t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_rows
		WHERE correlation_id = ? AND node_id = ?
	`, correlationID, int(nodeID)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("fill response: check row: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("fill response: %s/%d: %w", correlationID, nodeID, ErrRowNotFound)
	}
	return fmt.Errorf("fill response: %s/%d: %w", correlationID, nodeID, ErrAlreadyFilled)
}

// CountFilled returns how many nodes have responded for the correlation.
func (t *Tx) CountFilled(ctx context.Context, correlationID string) (int, error) {
	return countFilled(ctx, t.tx, correlationID)
}

// AllFilled reports whether every row of the correlation holds a response.
// A correlation without rows is not considered filled.
func (t *Tx) AllFilled(ctx context.Context, correlationID string) (bool, error) {
	var total, filled int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(response_type) FROM ledger_rows
		WHERE correlation_id = ?
	`, correlationID).Scan(&total, &filled)
	if err != nil {
		return false, fmt.Errorf("all filled: %w", err)
	}
	return total > 0 && total == filled, nil
}

// FetchAll returns every row of the correlation ordered by node id.
func (t *Tx) FetchAll(ctx context.Context, correlationID string) ([]Row, error) {
	return fetchAll(ctx, t.tx, correlationID)
}

// DeleteAll purges every row of the correlation together with any outbox
// leftovers. Returns the number of ledger rows removed.
func (t *Tx) DeleteAll(ctx context.Context, correlationID string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM ledger_rows WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return 0, fmt.Errorf("delete all: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM outbox WHERE correlation_id = ?`, correlationID); err != nil {
		return 0, fmt.Errorf("delete all: outbox: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all: rows affected: %w", err)
	}
	return n, nil
}

// DeleteOne removes a single row; used by the unicast path.
func (t *Tx) DeleteOne(ctx context.Context, correlationID string, nodeID protocol.NodeID) error {
	result, err := t.tx.ExecContext(ctx, `
		DELETE FROM ledger_rows WHERE correlation_id = ? AND node_id = ?
	`, correlationID, int(nodeID))
	if err != nil {
		return fmt.Errorf("delete one: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete one: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete one: %s/%d: %w", correlationID, nodeID, ErrRowNotFound)
	}

	// The correlation is over once its last row is gone.
	var remaining int
	err = t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_rows WHERE correlation_id = ?`, correlationID).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("delete one: count remaining: %w", err)
	}
	if remaining == 0 {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM outbox WHERE correlation_id = ?`, correlationID); err != nil {
			return fmt.Errorf("delete one: outbox: %w", err)
		}
	}
	return nil
}

// FindInFlight is the non-transactional form of Tx.FindInFlight.
func (l *Ledger) FindInFlight(ctx context.Context, requestType, contextID string) (string, bool, error) {
	return findInFlight(ctx, l.db, requestType, contextID)
}

// CountFilled is the non-transactional form of Tx.CountFilled.
func (l *Ledger) CountFilled(ctx context.Context, correlationID string) (int, error) {
	return countFilled(ctx, l.db, correlationID)
}

// FetchAll is the non-transactional form of Tx.FetchAll.
func (l *Ledger) FetchAll(ctx context.Context, correlationID string) ([]Row, error) {
	return fetchAll(ctx, l.db, correlationID)
}

// List returns every row in the ledger ordered by correlation then node.
// Intended for operators; the ledger is expected to stay small.
func (l *Ledger) List(ctx context.Context) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT correlation_id, node_id, request_type, context_id, response_payload, response_type, created_at
		FROM ledger_rows
		ORDER BY correlation_id COLLATE BINARY ASC, node_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	return scanRows(rows)
}

// Purge removes a correlation (rows and outbox) on operator request.
func (l *Ledger) Purge(ctx context.Context, correlationID string) (int64, error) {
	var n int64
	err := l.WithCorrelationLock(ctx, correlationID, func(tx *Tx) error {
		var err error
		n, err = tx.DeleteAll(ctx, correlationID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", correlationID, err)
	}
	return n, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findInFlight(ctx context.Context, q querier, requestType, contextID string) (string, bool, error) {
	var correlationID string
	err := q.QueryRowContext(ctx, `
		SELECT correlation_id FROM ledger_rows
		WHERE request_type = ? AND context_id = ?
		ORDER BY created_at ASC, correlation_id COLLATE BINARY ASC
		LIMIT 1
	`, requestType, contextID).Scan(&correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find in flight: %w", err)
	}
	return correlationID, true, nil
}

func countFilled(ctx context.Context, q querier, correlationID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_rows
		WHERE correlation_id = ? AND response_type IS NOT NULL
	`, correlationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count filled: %w", err)
	}
	return n, nil
}

func fetchAll(ctx context.Context, q querier, correlationID string) ([]Row, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT correlation_id, node_id, request_type, context_id, response_payload, response_type, created_at
		FROM ledger_rows
		WHERE correlation_id = ?
		ORDER BY node_id ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	return scanRows(rows)
}

// scanRows drains and closes rows. Returns an empty slice (not nil) when
// there is nothing to read.
func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		var (
			r            Row
			node         int
			payload      []byte
			responseType sql.NullString
			createdAt    int64
		)
		if err := rows.Scan(&r.CorrelationID, &node, &r.RequestType, &r.ContextID, &payload, &responseType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.NodeID = protocol.NodeID(node)
		r.ResponseType = responseType.String
		if responseType.Valid {
			r.ResponsePayload = payload
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
