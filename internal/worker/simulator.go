// Package worker simulates the control-component nodes that answer
// orchestrator requests.
//
// Each simulated node consumes its own request queue and publishes one
// response per request on the shared response queue. Delays, outages and
// duplicate replies can be injected to reproduce the arrival orders seen in
// production.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/protocol"
)

// ErrNoResponder is returned for a request type no responder is installed for.
var ErrNoResponder = errors.New("no responder for request type")

// Responder computes a node's answer to one request.
type Responder func(ctx context.Context, node protocol.NodeID, msg broker.Message) (protocol.Message, error)

// Simulator runs N simulated nodes against a broker.
type Simulator struct {
	broker     broker.Broker
	nodes      int
	requests   string
	responses  string
	responders map[string]Responder
	delay      func(node protocol.NodeID, msg broker.Message) time.Duration
	down       map[protocol.NodeID]bool
	duplicates bool
	log        *slog.Logger

	mu      sync.Mutex
	subs    []broker.Subscription
	handled map[protocol.NodeID]int
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithDelay delays each reply by the duration f returns.
func WithDelay(f func(node protocol.NodeID, msg broker.Message) time.Duration) Option {
	return func(s *Simulator) {
		s.delay = f
	}
}

// WithDown keeps the given nodes silent: they consume requests but never
// answer.
func WithDown(nodes ...protocol.NodeID) Option {
	return func(s *Simulator) {
		for _, n := range nodes {
			s.down[n] = true
		}
	}
}

// WithDuplicateReplies makes every node send each reply twice, as a node
// does when it restarts before its acknowledgment is recorded.
func WithDuplicateReplies() Option {
	return func(s *Simulator) {
		s.duplicates = true
	}
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		s.log = l
	}
}

// NewSimulator creates a simulator for nodes 1..nodes. Requests are read from
// "<requests>.<n>" and responses are published to responses.
func NewSimulator(b broker.Broker, nodes int, requests, responses string, opts ...Option) *Simulator {
	s := &Simulator{
		broker:     b,
		nodes:      nodes,
		requests:   requests,
		responses:  responses,
		responders: make(map[string]Responder),
		down:       make(map[protocol.NodeID]bool),
		log:        slog.Default(),
		handled:    make(map[protocol.NodeID]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle installs r for requestType. Call before Start.
func (s *Simulator) Handle(requestType string, r Responder) {
	s.responders[requestType] = r
}

// Start subscribes every node to its request queue.
func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range protocol.Nodes(s.nodes) {
		address := s.requests + "." + node.String()
		sub, err := s.broker.Subscribe(address, broker.Queue, s.handler(node))
		if err != nil {
			return errors.Join(fmt.Errorf("subscribe node %d: %w", node, err), s.stopLocked())
		}
		s.subs = append(s.subs, sub)
	}
	s.log.Info("simulated nodes started", "nodes", s.nodes, "requests", s.requests)
	return nil
}

// Stop unsubscribes every node.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Simulator) stopLocked() error {
	var result *multierror.Error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.subs = nil
	return result.ErrorOrNil()
}

// Handled returns how many requests node has answered.
func (s *Simulator) Handled(node protocol.NodeID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled[node]
}

func (s *Simulator) handler(node protocol.NodeID) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		if s.down[node] {
			s.log.Debug("node down, dropping request", "node", node, "correlation_id", msg.CorrelationID)
			return nil
		}

		respond, ok := s.responders[msg.MessageType]
		if !ok {
			return fmt.Errorf("node %d: %w: %s", node, ErrNoResponder, msg.MessageType)
		}

		if s.delay != nil {
			if d := s.delay(node, msg); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		resp, err := respond(ctx, node, msg)
		if err != nil {
			return fmt.Errorf("node %d: %s: %w", node, msg.MessageType, err)
		}
		body, err := protocol.Marshal(resp)
		if err != nil {
			return fmt.Errorf("node %d: encode %s: %w", node, resp.MessageType(), err)
		}

		copies := 1
		if s.duplicates {
			copies = 2
		}
		for range copies {
			out := broker.Message{
				CorrelationID: msg.CorrelationID,
				MessageType:   resp.MessageType(),
				NodeID:        node,
				TenantID:      msg.TenantID,
				DedupID:       uuid.NewString(),
				Body:          body,
			}
			if err := s.broker.Publish(ctx, s.responses, out); err != nil {
				return fmt.Errorf("node %d: publish reply: %w", node, err)
			}
		}

		s.mu.Lock()
		s.handled[node]++
		s.mu.Unlock()

		s.log.Debug("node replied",
			"node", node,
			"correlation_id", msg.CorrelationID,
			"response_type", resp.MessageType(),
		)
		return nil
	}
}
