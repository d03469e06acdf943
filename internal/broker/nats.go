package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"

	"github.com/roach88/quorum/internal/protocol"
)

// NATSOptions configures the NATS adapter.
type NATSOptions struct {
	// Name identifies the connection in server monitoring.
	Name string

	// QueueGroup is shared by every orchestrator replica so that each
	// response is consumed by exactly one of them.
	QueueGroup string

	// Topics lists the addresses published as plain (fan-out) subjects.
	// Every other address is a JetStream subject.
	Topics []string

	// AckWait bounds how long JetStream waits for a handler before
	// redelivering.
	AckWait time.Duration

	Logger *slog.Logger
}

// NATS adapts a NATS server to the Broker interface.
//
// Queue addresses are JetStream subjects: publishes carry Nats-Msg-Id so the
// stream's duplicate window drops republished messages, and consumers ack
// or nak each delivery. The streams themselves are provisioned out of band.
// Topic addresses are core NATS subjects, delivered to every subscriber.
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	opts   NATSOptions
	topics map[string]bool
	log    *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// DialNATS connects to url and prepares a JetStream context.
func DialNATS(url string, opts NATSOptions) (*NATS, error) {
	if opts.QueueGroup == "" {
		opts.QueueGroup = "orchestrator"
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	topics := make(map[string]bool, len(opts.Topics))
	for _, t := range opts.Topics {
		topics[t] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATS{
		nc:     nc,
		js:     js,
		opts:   opts,
		topics: topics,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish sends msg on address.
func (n *NATS) Publish(ctx context.Context, address string, msg Message) error {
	m := toNATS(address, msg)

	if n.topics[address] {
		if err := n.nc.PublishMsg(m); err != nil {
			return fmt.Errorf("publish %s: %w", address, err)
		}
		return nil
	}

	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if msg.DedupID != "" {
		pubOpts = append(pubOpts, nats.MsgId(msg.DedupID))
	}
	ack, err := n.js.PublishMsg(m, pubOpts...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", address, err)
	}
	if ack.Duplicate {
		n.log.Debug("duplicate publish dropped by stream", "address", address, "dedup_id", msg.DedupID)
	}
	return nil
}

// Subscribe consumes address. Queue subscriptions join the configured
// queue group on a durable JetStream consumer.
func (n *NATS) Subscribe(address string, mode Mode, h Handler) (Subscription, error) {
	var (
		sub *nats.Subscription
		err error
	)

	switch mode {
	case Topic:
		sub, err = n.nc.Subscribe(address, func(m *nats.Msg) {
			msg, err := fromNATS(m)
			if err != nil {
				n.log.Error("malformed topic message", "address", address, "error", err)
				return
			}
			if err := h(n.ctx, msg); err != nil {
				n.log.Error("topic handler failed", "address", address, "correlation_id", msg.CorrelationID, "error", err)
			}
		})
	case Queue:
		sub, err = n.js.QueueSubscribe(address, n.opts.QueueGroup, func(m *nats.Msg) {
			n.handleQueued(address, m, h)
		},
			nats.Durable(durableName(address, n.opts.QueueGroup)),
			nats.ManualAck(),
			nats.AckWait(n.opts.AckWait),
			nats.DeliverAll(),
		)
	default:
		return nil, fmt.Errorf("subscribe %s: invalid mode %d", address, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", address, err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	return sub, nil
}

func (n *NATS) handleQueued(address string, m *nats.Msg, h Handler) {
	msg, err := fromNATS(m)
	if err != nil {
		// Redelivering a message we cannot parse will not help.
		n.log.Error("malformed queue message terminated", "address", address, "error", err)
		if termErr := m.Term(); termErr != nil {
			n.log.Warn("term failed", "error", termErr)
		}
		return
	}

	if err := h(n.ctx, msg); err != nil {
		n.log.Error("queue handler failed, requesting redelivery",
			"address", address,
			"message_type", msg.MessageType,
			"correlation_id", msg.CorrelationID,
			"error", err,
		)
		if nakErr := m.Nak(); nakErr != nil {
			n.log.Warn("nak failed", "error", nakErr)
		}
		return
	}

	if err := m.Ack(); err != nil {
		n.log.Warn("ack failed", "correlation_id", msg.CorrelationID, "error", err)
	}
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.cancel()
	n.nc.Close()
	return result.ErrorOrNil()
}

// durableName derives a JetStream consumer name; names may not contain dots.
func durableName(address, group string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_")
	return r.Replace(group + "_" + address)
}

func toNATS(address string, msg Message) *nats.Msg {
	m := nats.NewMsg(address)
	m.Data = msg.Body
	setHeader(m, HeaderCorrelationID, msg.CorrelationID)
	setHeader(m, HeaderMessageType, msg.MessageType)
	setHeader(m, HeaderTenantID, msg.TenantID)
	setHeader(m, HeaderResultKind, msg.ResultKind)
	setHeader(m, HeaderDedupID, msg.DedupID)
	if msg.NodeID != 0 {
		m.Header.Set(HeaderNodeID, msg.NodeID.String())
	}
	return m
}

func setHeader(m *nats.Msg, key, value string) {
	if value != "" {
		m.Header.Set(key, value)
	}
}

func fromNATS(m *nats.Msg) (Message, error) {
	msg := Message{
		CorrelationID: m.Header.Get(HeaderCorrelationID),
		MessageType:   m.Header.Get(HeaderMessageType),
		TenantID:      m.Header.Get(HeaderTenantID),
		ResultKind:    m.Header.Get(HeaderResultKind),
		DedupID:       m.Header.Get(HeaderDedupID),
		Body:          m.Data,
	}
	if raw := m.Header.Get(HeaderNodeID); raw != "" {
		id, err := protocol.ParseNodeID(raw)
		if err != nil {
			return Message{}, err
		}
		msg.NodeID = id
	}
	return msg, nil
}
