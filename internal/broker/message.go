package broker

import (
	"context"
	"errors"

	"github.com/roach88/quorum/internal/protocol"
)

// Header names carried on every message.
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderMessageType   = "Message-Type"
	HeaderNodeID        = "Node-Id"
	HeaderTenantID      = "Tenant-Id"
	HeaderResultKind    = "Result-Kind"

	// HeaderDedupID is the broker-native duplicate-detection header.
	HeaderDedupID = "Nats-Msg-Id"
)

// ErrClosed is returned when publishing or subscribing on a closed broker.
var ErrClosed = errors.New("broker closed")

// Message is the envelope exchanged over the broker. Body is opaque to the
// broker; the typed fields map one-to-one onto headers.
type Message struct {
	CorrelationID string
	MessageType   string
	NodeID        protocol.NodeID // zero when the message is not node-targeted
	TenantID      string
	ResultKind    string // completion relay only
	DedupID       string
	Body          []byte
}

// Mode selects how an address distributes messages.
type Mode int

const (
	// Queue delivers each message to exactly one subscriber.
	Queue Mode = iota + 1
	// Topic delivers each message to every subscriber.
	Topic
)

func (m Mode) String() string {
	switch m {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return "unknown"
	}
}

// Handler processes one delivery. Returning an error asks for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Subscription is an active consumer.
type Subscription interface {
	Unsubscribe() error
}

// Broker publishes and consumes messages.
type Broker interface {
	Publish(ctx context.Context, address string, msg Message) error
	Subscribe(address string, mode Mode, h Handler) (Subscription, error)
	Close() error
}
