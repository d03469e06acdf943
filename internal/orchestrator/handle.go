package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/ledger"
	"github.com/roach88/quorum/internal/metrics"
	"github.com/roach88/quorum/internal/protocol"
)

// completion is what a ledger transaction hands to the callback stage.
type completion struct {
	responses []protocol.Message
	startedAt time.Time
}

// Handle processes one inbound response.
//
// The completion callback runs inside the correlation's ledger transaction,
// so it must not write to the ledger itself. A callback error rolls the
// transaction back. Returned errors ask the broker for redelivery. A response whose row was
// already filled, or whose correlation is gone, is a redelivery of something
// already processed: it is logged and acknowledged.
func (d *Dispatcher) Handle(ctx context.Context, msg broker.Message) error {
	if msg.CorrelationID == "" || msg.MessageType == "" {
		return newMalformedError(msg.CorrelationID, msg.MessageType, "missing correlation id or message type header", nil)
	}

	entry, err := d.registry.ByResponse(msg.MessageType)
	if err != nil {
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeRejected)
		return newUnknownResponseError(msg.CorrelationID, msg.MessageType, err)
	}

	resp, err := entry.Decode(msg.Body)
	if err != nil {
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeRejected)
		return newMalformedError(msg.CorrelationID, msg.MessageType, "undecodable response body", err)
	}

	node, err := entry.NodeID(resp)
	if err != nil {
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeRejected)
		return newMalformedError(msg.CorrelationID, msg.MessageType, "no node id in response", err)
	}
	if !node.Valid(d.nodes) {
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeRejected)
		return newMalformedError(msg.CorrelationID, msg.MessageType,
			fmt.Sprintf("node %d outside 1..%d", node, d.nodes), nil)
	}
	if msg.NodeID != 0 && msg.NodeID != node {
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeRejected)
		return newMalformedError(msg.CorrelationID, msg.MessageType,
			fmt.Sprintf("header node %d does not match payload node %d", msg.NodeID, node), nil)
	}

	var (
		done        *completion
		callbackErr error
	)
	err = d.ledger.WithCorrelationLock(ctx, msg.CorrelationID, func(tx *ledger.Tx) error {
		var err error
		if entry.Aggregate {
			done, err = d.fillAggregate(ctx, tx, entry, msg, node)
		} else {
			done, err = d.fillSingle(ctx, tx, entry, msg, node, resp)
		}
		if err != nil || done == nil {
			return err
		}
		// The callback runs before commit: when it fails, the fill and the
		// delete roll back and the redelivered response completes the call.
		if err := entry.Callback(ctx, msg.CorrelationID, done.responses); err != nil {
			callbackErr = fmt.Errorf("callback %s (correlation=%s): %w", entry.RequestType, msg.CorrelationID, err)
			return callbackErr
		}
		return nil
	})

	switch {
	case callbackErr != nil:
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeRejected)
		return callbackErr
	case errors.Is(err, ledger.ErrAlreadyFilled):
		d.log.Debug("duplicate response ignored",
			"correlation_id", msg.CorrelationID,
			"message_type", msg.MessageType,
			"node_id", int(node),
		)
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeDuplicate)
		return nil
	case errors.Is(err, ledger.ErrRowNotFound):
		d.log.Warn("stale response ignored",
			"correlation_id", msg.CorrelationID,
			"message_type", msg.MessageType,
			"node_id", int(node),
		)
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeStale)
		return nil
	case err != nil:
		d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeRejected)
		return fmt.Errorf("handle %s: %w", msg.MessageType, err)
	}

	d.metrics.ResponseReceived(msg.MessageType, metrics.OutcomeFilled)
	if done == nil {
		d.log.Debug("response recorded, waiting for quorum",
			"correlation_id", msg.CorrelationID,
			"node_id", int(node),
		)
		return nil
	}

	d.metrics.CallCompleted(entry.RequestType, entry.Aggregate, d.now().Sub(done.startedAt))
	d.log.Info("call complete",
		"correlation_id", msg.CorrelationID,
		"request_type", entry.RequestType,
		"responses", len(done.responses),
	)
	return nil
}

// callRows returns the rows of the correlation and rejects a response whose
// entry does not own the request the rows were created for. An empty result
// is left to FillResponse, which reports the correlation as gone.
func callRows(ctx context.Context, tx *ledger.Tx, entry protocol.Entry, msg broker.Message) ([]ledger.Row, error) {
	rows, err := tx.FetchAll(ctx, msg.CorrelationID)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 && rows[0].RequestType != entry.RequestType {
		return nil, newMalformedError(msg.CorrelationID, msg.MessageType,
			fmt.Sprintf("response to %s sent for a %s call", entry.RequestType, rows[0].RequestType), nil)
	}
	return rows, nil
}

// fillSingle records the only expected response and retires its row.
func (d *Dispatcher) fillSingle(ctx context.Context, tx *ledger.Tx, entry protocol.Entry, msg broker.Message, node protocol.NodeID, resp protocol.Message) (*completion, error) {
	rows, err := callRows(ctx, tx, entry, msg)
	if err != nil {
		return nil, err
	}
	if err := tx.FillResponse(ctx, msg.CorrelationID, node, msg.Body, msg.MessageType); err != nil {
		return nil, err
	}

	startedAt := d.now()
	if len(rows) > 0 {
		startedAt = rows[0].CreatedAt
	}

	if err := tx.DeleteOne(ctx, msg.CorrelationID, node); err != nil {
		return nil, err
	}
	return &completion{responses: []protocol.Message{resp}, startedAt: startedAt}, nil
}

// fillAggregate records one node's contribution. Once every node answered it
// reads the rows back in node order and deletes them; before that it returns
// a nil completion.
func (d *Dispatcher) fillAggregate(ctx context.Context, tx *ledger.Tx, entry protocol.Entry, msg broker.Message, node protocol.NodeID) (*completion, error) {
	if _, err := callRows(ctx, tx, entry, msg); err != nil {
		return nil, err
	}
	if err := tx.FillResponse(ctx, msg.CorrelationID, node, msg.Body, msg.MessageType); err != nil {
		return nil, err
	}

	filled, err := tx.CountFilled(ctx, msg.CorrelationID)
	if err != nil {
		return nil, err
	}
	if filled < d.nodes {
		return nil, nil
	}

	rows, err := tx.FetchAll(ctx, msg.CorrelationID)
	if err != nil {
		return nil, err
	}

	ids := make([]protocol.NodeID, len(rows))
	responses := make([]protocol.Message, 0, len(rows))
	for i, row := range rows {
		ids[i] = row.NodeID
		if !row.Filled() {
			continue
		}
		// Each row is decoded with the entry of its own stored type.
		rowEntry, err := d.registry.ByResponse(row.ResponseType)
		if err != nil {
			return nil, newUnknownResponseError(msg.CorrelationID, row.ResponseType, err)
		}
		decoded, err := rowEntry.Decode(row.ResponsePayload)
		if err != nil {
			return nil, newMalformedError(msg.CorrelationID, row.ResponseType, "undecodable stored response", err)
		}
		responses = append(responses, decoded)
	}

	if len(responses) != d.nodes || !protocol.IsFullSet(ids, d.nodes) {
		return nil, newQuorumMismatchError(msg.CorrelationID, len(responses), d.nodes)
	}

	if _, err := tx.DeleteAll(ctx, msg.CorrelationID); err != nil {
		return nil, err
	}
	return &completion{responses: responses, startedAt: rows[0].CreatedAt}, nil
}
