package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/ledger"
)

// Run attaches the response listeners and sweeps the outbox until ctx is
// cancelled.
//
// ERROR HANDLING: a failed response is logged with its headers and handed
// back to the broker, which redelivers it. A failed sweep is logged and
// retried on the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher starting",
		"nodes", d.nodes,
		"responses", d.addrs.Responses,
		"listeners", d.listeners,
	)

	subs := make([]broker.Subscription, 0, d.listeners)
	for i := 0; i < d.listeners; i++ {
		sub, err := d.broker.Subscribe(d.addrs.Responses, broker.Queue, d.listen)
		if err != nil {
			return multierror.Append(fmt.Errorf("subscribe %s: %w", d.addrs.Responses, err), unsubscribeAll(subs)).ErrorOrNil()
		}
		subs = append(subs, sub)
	}

	// Records left behind by a previous process go out right away.
	d.sweep(ctx)

	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping")
			return unsubscribeAll(subs)
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) listen(ctx context.Context, msg broker.Message) error {
	if err := d.Handle(ctx, msg); err != nil {
		logResponseError(d, msg, err)
		return err
	}
	return nil
}

func (d *Dispatcher) sweep(ctx context.Context) {
	n, err := d.SweepOutbox(ctx, d.sweepMinAge)
	if err != nil {
		d.log.Warn("outbox sweep incomplete", "republished", n, "error", err)
		return
	}
	if n > 0 {
		d.log.Info("outbox sweep republished records", "count", n)
	}
}

// SweepOutbox republishes outbox records older than minAge and returns how
// many went out. Each record keeps its duplicate-detection token, so a
// record whose first publish did reach the broker is dropped there.
func (d *Dispatcher) SweepOutbox(ctx context.Context, minAge time.Duration) (int, error) {
	records, err := d.ledger.PendingOutbox(ctx, d.now().Add(-minAge), d.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("sweep outbox: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	var (
		mu        sync.Mutex
		published int
		result    *multierror.Error
	)

	pool := workerpool.New(d.sweepWorkers)
	for _, rec := range records {
		pool.Submit(func() {
			d.log.Debug("republishing outbox record",
				"correlation_id", rec.CorrelationID,
				"dedup_id", rec.DedupID,
				"attempts", rec.Attempts,
			)
			err := d.publishRecord(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, err)
				return
			}
			published++
		})
	}
	pool.StopWait()

	d.metrics.OutboxRepublished(published)
	return published, result.ErrorOrNil()
}

// PendingOutbox lists outbox records created at least minAge ago.
func (d *Dispatcher) PendingOutbox(ctx context.Context, minAge time.Duration) ([]ledger.OutboxRecord, error) {
	return d.ledger.PendingOutbox(ctx, d.now().Add(-minAge), 0)
}

func unsubscribeAll(subs []broker.Subscription) error {
	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// logResponseError logs a failed response with its headers so an operator
// can find it in the dead-letter queue.
func logResponseError(d *Dispatcher, msg broker.Message, err error) {
	d.log.Error("response processing failed",
		"correlation_id", msg.CorrelationID,
		"message_type", msg.MessageType,
		"node_id", int(msg.NodeID),
		"error", err,
	)
}
