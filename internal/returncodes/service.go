package returncodes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/quorum/internal/completion"
	"github.com/roach88/quorum/internal/orchestrator"
	"github.com/roach88/quorum/internal/protocol"
)

// DefaultTimeout bounds how long a Service call waits for its outcome.
const DefaultTimeout = 30 * time.Second

// Service issues calls to the control components and blocks until their
// outcome is known.
type Service struct {
	dispatcher *orchestrator.Dispatcher
	bridge     *completion.Bridge
	ids        orchestrator.IDGenerator
	timeout    time.Duration
	log        *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTimeout sets how long a call waits for its outcome.
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithIDGenerator sets the correlation id generator.
func WithIDGenerator(g orchestrator.IDGenerator) ServiceOption {
	return func(s *Service) {
		s.ids = g
	}
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.log = l
	}
}

// NewService creates a Service. The dispatcher's registry must hold the
// entries returned by Entries(bridge).
func NewService(d *orchestrator.Dispatcher, bridge *completion.Bridge, opts ...ServiceOption) *Service {
	s := &Service{
		dispatcher: d,
		bridge:     bridge,
		ids:        orchestrator.UUIDv7Generator{},
		timeout:    DefaultTimeout,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ComputeChoiceCodes asks every node for its partial choice codes and
// returns them ordered by node.
func (s *Service) ComputeChoiceCodes(ctx context.Context, req PartialChoiceCodesRequest) (ChoiceCodes, error) {
	return call[ChoiceCodes](ctx, s, req)
}

// MixDecrypt runs the mixing step of one node over a ballot box.
func (s *Service) MixDecrypt(ctx context.Context, req MixDecryptRequest) (MixDecryptResult, error) {
	return call[MixDecryptResult](ctx, s, req, orchestrator.WithTargets(protocol.NodeID(req.NodeID)))
}

// MixDecryptAll runs the mixing steps of nodes 1..N in order, feeding each
// node the previous node's output.
func (s *Service) MixDecryptAll(ctx context.Context, electionEventID, ballotBoxID string, ciphertexts [][]byte) ([]MixDecryptResult, error) {
	results := make([]MixDecryptResult, 0, s.dispatcher.Nodes())
	input := ciphertexts
	for _, node := range protocol.Nodes(s.dispatcher.Nodes()) {
		res, err := s.MixDecrypt(ctx, MixDecryptRequest{
			ElectionEventID: electionEventID,
			BallotBoxID:     ballotBoxID,
			NodeID:          int(node),
			Ciphertexts:     input,
		})
		if err != nil {
			return results, fmt.Errorf("mix node %d: %w", node, err)
		}
		results = append(results, res)
		input = res.Ciphertexts
	}
	return results, nil
}

// call registers the wait before sending so an outcome that arrives before
// Send returns is not lost. When the request joins a call already in
// flight, the wait moves to that call's correlation id.
func call[T any](ctx context.Context, s *Service, req protocol.Message, opts ...orchestrator.SendOption) (T, error) {
	var zero T

	correlationID := s.ids.Generate()
	future, err := completion.Register[T](s.bridge, correlationID)
	if err != nil {
		return zero, err
	}

	sent, err := s.dispatcher.Send(ctx, req, append(opts, orchestrator.WithCorrelationID(correlationID))...)
	if sent == "" {
		s.bridge.Cancel(correlationID)
		return zero, err
	}
	if err != nil {
		// The call is recorded; the outbox sweep delivers it later.
		s.log.Warn("request deferred to outbox",
			"request_type", req.MessageType(),
			"correlation_id", sent,
			"error", err,
		)
	}

	if sent != correlationID {
		s.bridge.Cancel(correlationID)
		future, err = completion.Register[T](s.bridge, sent)
		if err != nil {
			return zero, err
		}
	}

	v, err := future.Get(ctx, s.timeout)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", req.MessageType(), sent, err)
	}
	return v, nil
}
