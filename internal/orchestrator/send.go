package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/ledger"
	"github.com/roach88/quorum/internal/protocol"
)

// SendOption customises a single Send.
type SendOption func(*sendConfig)

type sendConfig struct {
	correlationID string
	targets       []protocol.NodeID
}

// WithCorrelationID uses id instead of minting a new correlation id. Callers
// that register a completion wait before sending use this.
func WithCorrelationID(id string) SendOption {
	return func(c *sendConfig) {
		c.correlationID = id
	}
}

// WithTargets sets the destination nodes. Broadcast requests default to the
// full node set; unicast requests must name exactly one node.
func WithTargets(nodes ...protocol.NodeID) SendOption {
	return func(c *sendConfig) {
		c.targets = nodes
	}
}

// Send records the call in the ledger and publishes one message per target
// node. It returns the correlation id of the call.
//
// If a call for the same request type and context id is still in flight,
// its correlation id is returned and nothing is published.
//
// The ledger rows and the outgoing messages are committed together before
// anything is published. If publishing fails after retries, the error is
// returned together with the correlation id; the messages stay in the outbox
// and the sweep republishes them.
func (d *Dispatcher) Send(ctx context.Context, req protocol.Message, opts ...SendOption) (string, error) {
	if isNil(req) {
		return "", newNilArgumentError("request")
	}

	cfg := sendConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	requestType := req.MessageType()
	entry, err := d.registry.ByRequest(requestType)
	if err != nil {
		return "", newUnknownRequestError(requestType, err)
	}

	targets, err := d.resolveTargets(entry, cfg.targets)
	if err != nil {
		return "", err
	}

	rawContextID, err := entry.ContextID(req)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", requestType, err)
	}
	contextID := norm.NFC.String(rawContextID)

	body, err := protocol.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", requestType, err)
	}

	correlationID := cfg.correlationID
	if correlationID == "" {
		correlationID = d.ids.Generate()
	}

	records := make([]ledger.OutboxRecord, len(targets))
	for i, node := range targets {
		records[i] = ledger.OutboxRecord{
			DedupID:       d.tokens.Generate(),
			CorrelationID: correlationID,
			Address:       d.addrs.RequestAddress(node),
			NodeID:        node,
			MessageType:   requestType,
			Body:          body,
		}
	}

	existing, created, err := d.ledger.Reserve(ctx, ledger.Reservation{
		CorrelationID: correlationID,
		RequestType:   requestType,
		ContextID:     contextID,
		Nodes:         targets,
		Outbox:        records,
	})
	if err != nil {
		return "", fmt.Errorf("send %s: %w", requestType, err)
	}
	if !created {
		d.log.Info("request already in flight",
			"request_type", requestType,
			"context_id", contextID,
			"correlation_id", existing,
		)
		d.metrics.RequestDeduplicated(requestType)
		return existing, nil
	}

	d.log.Debug("request recorded",
		"request_type", requestType,
		"correlation_id", correlationID,
		"nodes", len(targets),
	)

	// Publishing is the last action: a crash before this point leaves the
	// records for the sweep.
	var publishErr *multierror.Error
	for _, rec := range records {
		if err := d.publishRecord(ctx, rec); err != nil {
			publishErr = multierror.Append(publishErr, err)
		}
	}
	d.metrics.RequestSent(requestType, len(records))
	if err := publishErr.ErrorOrNil(); err != nil {
		return correlationID, fmt.Errorf("send %s: deferred to outbox: %w", requestType, err)
	}
	return correlationID, nil
}

// resolveTargets applies the default target set and validates it against
// the entry's broadcast flag.
func (d *Dispatcher) resolveTargets(entry protocol.Entry, targets []protocol.NodeID) ([]protocol.NodeID, error) {
	if entry.Broadcast {
		if len(targets) == 0 {
			return protocol.Nodes(d.nodes), nil
		}
		if !protocol.IsFullSet(targets, d.nodes) {
			return nil, newInvalidTargetsError(entry.RequestType,
				fmt.Sprintf("broadcast must target every node 1..%d, got %v", d.nodes, targets))
		}
		sorted := slices.Clone(targets)
		slices.Sort(sorted)
		return sorted, nil
	}

	if len(targets) != 1 {
		return nil, newInvalidTargetsError(entry.RequestType,
			fmt.Sprintf("unicast must target exactly one node, got %v", targets))
	}
	if !targets[0].Valid(d.nodes) {
		return nil, newInvalidTargetsError(entry.RequestType,
			fmt.Sprintf("node %d outside 1..%d", targets[0], d.nodes))
	}
	return []protocol.NodeID{targets[0]}, nil
}

// publishRecord publishes one outbox record with exponential backoff and
// deletes it once the broker accepted it. A record that could not be
// published has its attempt counter bumped and stays for the sweep.
func (d *Dispatcher) publishRecord(ctx context.Context, rec ledger.OutboxRecord) error {
	msg := broker.Message{
		CorrelationID: rec.CorrelationID,
		MessageType:   rec.MessageType,
		NodeID:        rec.NodeID,
		TenantID:      d.tenant,
		DedupID:       rec.DedupID,
		Body:          rec.Body,
	}

	backoff := retry.WithMaxRetries(d.publishRetries, retry.NewExponential(d.publishBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.broker.Publish(ctx, rec.Address, msg); err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			d.log.Debug("publish failed, retrying", "address", rec.Address, "dedup_id", rec.DedupID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		d.log.Warn("publish failed, leaving record for sweep",
			"address", rec.Address,
			"correlation_id", rec.CorrelationID,
			"dedup_id", rec.DedupID,
			"error", err,
		)
		if touchErr := d.ledger.TouchOutbox(ctx, rec.DedupID); touchErr != nil {
			d.log.Warn("touch outbox failed", "dedup_id", rec.DedupID, "error", touchErr)
		}
		return fmt.Errorf("publish %s to %s: %w", rec.MessageType, rec.Address, err)
	}

	if err := d.ledger.DeleteOutbox(ctx, rec.DedupID); err != nil {
		// The message went out; a leftover record is only republished with
		// the same token and dropped by the broker.
		d.log.Warn("delete outbox failed", "dedup_id", rec.DedupID, "error", err)
	}
	return nil
}

func isNil(m protocol.Message) bool {
	if m == nil {
		return true
	}
	v := reflect.ValueOf(m)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}
