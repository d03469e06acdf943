package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/completion"
	"github.com/roach88/quorum/internal/ledger"
	"github.com/roach88/quorum/internal/orchestrator"
	"github.com/roach88/quorum/internal/protocol"
	"github.com/roach88/quorum/internal/returncodes"
	"github.com/roach88/quorum/internal/testutil"
	"github.com/roach88/quorum/internal/worker"
)

const tenant = "harness"

// Harness runs one scenario against a fresh ledger and broker.
type Harness struct {
	scenario   *Scenario
	clock      *testutil.DeterministicClock
	ledger     *ledger.Ledger
	broker     *broker.Memory
	bridge     *completion.Bridge
	dispatcher *orchestrator.Dispatcher
	responders map[string]worker.Responder
	requests   *requestCapture
	calls      map[string]*call
	result     *Result
}

// call is one logical call. Labels that joined an in-flight call share the
// same *call.
type call struct {
	label         string
	kind          string
	correlationID string
	poll          func() (value any, done bool, err error)
	completions   int
	value         any
}

// Run executes a scenario and returns its result. The error is reserved for
// failures to set up the run; step and assertion failures are in the Result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "quorum-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clock := testutil.NewDeterministicClock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := ledger.Open(filepath.Join(dir, "ledger.db"), ledger.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer l.Close()

	br := broker.NewMemory(
		broker.WithWorkers(1),
		broker.WithTopics(completion.DefaultTopic),
		broker.WithMemoryLogger(log),
	)
	defer br.Close()

	bridge := completion.New(br, completion.WithTenant(tenant), completion.WithLogger(log))
	defer bridge.Close()

	reg, err := protocol.NewRegistry(returncodes.Entries(bridge)...)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	d := orchestrator.New(reg, l, br,
		orchestrator.WithNodes(scenario.Nodes),
		orchestrator.WithTenant(tenant),
		orchestrator.WithIDGenerator(orchestrator.NewSequenceGenerator("corr")),
		orchestrator.WithTokenGenerator(orchestrator.NewSequenceGenerator("tok")),
		orchestrator.WithClock(clock.Now),
		orchestrator.WithLogger(log),
		orchestrator.WithPublishRetry(time.Millisecond, 0),
	)

	h := &Harness{
		scenario:   scenario,
		clock:      clock,
		ledger:     l,
		broker:     br,
		bridge:     bridge,
		dispatcher: d,
		responders: returncodes.Responders(),
		requests:   newRequestCapture(),
		calls:      make(map[string]*call),
		result:     NewResult(),
	}
	if err := h.captureRequests(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	for i, step := range scenario.Steps {
		switch {
		case step.Send != nil:
			h.send(ctx, i, step.Send)
		case step.Deliver != nil:
			h.deliver(ctx, i, step.Deliver)
		}
	}

	h.checkAssertions(ctx)
	return h.result, nil
}

func (h *Harness) captureRequests() error {
	addrs := h.dispatcher.Addresses()
	for _, node := range protocol.Nodes(h.scenario.Nodes) {
		if _, err := h.broker.Subscribe(addrs.RequestAddress(node), broker.Queue, h.requests.handle); err != nil {
			return fmt.Errorf("failed to capture requests for node %d: %w", node, err)
		}
	}
	return nil
}

func (h *Harness) send(ctx context.Context, index int, step *SendStep) {
	req, opts := buildRequest(step)

	id, err := h.dispatcher.Send(ctx, req, opts...)
	if err != nil {
		h.result.AddError(fmt.Sprintf("steps[%d]: send %s: %v", index, step.Call, err))
		return
	}
	h.broker.Wait()

	for _, c := range h.calls {
		if c.correlationID == id {
			h.calls[step.Call] = c
			h.result.add(TraceEvent{
				Seq:           h.clock.Next(),
				Event:         EventSend,
				Call:          step.Call,
				CorrelationID: id,
				RequestType:   req.MessageType(),
				Outcome:       OutcomeJoined,
			})
			return
		}
	}

	c := &call{label: step.Call, kind: step.Kind, correlationID: id}
	poll, err := h.watch(step.Kind, id)
	if err != nil {
		h.result.AddError(fmt.Sprintf("steps[%d]: register %s: %v", index, step.Call, err))
		return
	}
	c.poll = poll
	h.calls[step.Call] = c

	h.result.add(TraceEvent{
		Seq:           h.clock.Next(),
		Event:         EventSend,
		Call:          step.Call,
		CorrelationID: id,
		RequestType:   req.MessageType(),
		Outcome:       OutcomeSent,
	})
	for _, msg := range h.requests.forCorrelation(id) {
		h.result.add(TraceEvent{
			Seq:           h.clock.Next(),
			Event:         EventPublish,
			Call:          step.Call,
			CorrelationID: id,
			Node:          int(msg.NodeID),
			Address:       h.dispatcher.Addresses().RequestAddress(msg.NodeID),
			DedupID:       msg.DedupID,
		})
	}
}

func (h *Harness) deliver(ctx context.Context, index int, step *DeliverStep) {
	c := h.calls[step.Call]
	if c == nil {
		h.result.AddError(fmt.Sprintf("steps[%d]: call %s was never sent", index, step.Call))
		return
	}

	for _, n := range step.Nodes {
		node := protocol.NodeID(n)
		msg, err := h.response(ctx, c.correlationID, node)
		if err != nil {
			h.result.AddError(fmt.Sprintf("steps[%d]: %s node %d: %v", index, step.Call, node, err))
			continue
		}

		outcome, err := h.classify(ctx, c.correlationID, node)
		if err != nil {
			h.result.AddError(fmt.Sprintf("steps[%d]: %s node %d: %v", index, step.Call, node, err))
			continue
		}

		event := TraceEvent{
			Event:         EventDeliver,
			Call:          step.Call,
			CorrelationID: c.correlationID,
			Node:          n,
		}
		if err := h.dispatcher.Handle(ctx, msg); err != nil {
			event.Outcome = OutcomeRejected
			event.Error = err.Error()
			event.Seq = h.clock.Next()
			h.result.add(event)
			continue
		}

		value, done, waitErr := c.poll()
		completed := done && c.completions == 0
		if completed {
			outcome = OutcomeCompleted
		}
		event.Outcome = outcome
		event.Seq = h.clock.Next()
		h.result.add(event)

		if completed {
			c.completions++
			c.value = value
			complete := TraceEvent{
				Seq:           h.clock.Next(),
				Event:         EventComplete,
				Call:          c.label,
				CorrelationID: c.correlationID,
			}
			if waitErr != nil {
				complete.Error = waitErr.Error()
			} else {
				complete.Result = summarize(value)
			}
			h.result.add(complete)
		}
	}
}

// response computes the reply of node to the request it received for
// correlationID.
func (h *Harness) response(ctx context.Context, correlationID string, node protocol.NodeID) (broker.Message, error) {
	req, ok := h.requests.get(correlationID, node)
	if !ok {
		return broker.Message{}, fmt.Errorf("no request reached this node")
	}
	respond, ok := h.responders[req.MessageType]
	if !ok {
		return broker.Message{}, fmt.Errorf("no responder for %s", req.MessageType)
	}

	resp, err := respond(ctx, node, req)
	if err != nil {
		return broker.Message{}, err
	}
	body, err := protocol.Marshal(resp)
	if err != nil {
		return broker.Message{}, err
	}
	return broker.Message{
		CorrelationID: correlationID,
		MessageType:   resp.MessageType(),
		NodeID:        node,
		TenantID:      tenant,
		Body:          body,
	}, nil
}

// classify predicts what delivering node's response does to the ledger.
func (h *Harness) classify(ctx context.Context, correlationID string, node protocol.NodeID) (string, error) {
	rows, err := h.ledger.FetchAll(ctx, correlationID)
	if err != nil {
		return "", err
	}
	for _, r := range rows {
		if r.NodeID != node {
			continue
		}
		if r.Filled() {
			return OutcomeDuplicate, nil
		}
		return OutcomeRecorded, nil
	}
	return OutcomeStale, nil
}

// watch registers a completion wait typed by kind and returns a
// non-blocking poll of it.
func (h *Harness) watch(kind, correlationID string) (func() (any, bool, error), error) {
	switch kind {
	case KindChoiceCodes:
		return pollFuture[returncodes.ChoiceCodes](h.bridge, correlationID)
	case KindMixDecrypt:
		return pollFuture[returncodes.MixDecryptResult](h.bridge, correlationID)
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func pollFuture[T any](b *completion.Bridge, correlationID string) (func() (any, bool, error), error) {
	f, err := completion.Register[T](b, correlationID)
	if err != nil {
		return nil, err
	}
	return func() (any, bool, error) {
		select {
		case <-f.Done():
			v, err := f.Get(context.Background(), time.Second)
			return v, true, err
		default:
			return nil, false, nil
		}
	}, nil
}

func buildRequest(step *SendStep) (protocol.Message, []orchestrator.SendOption) {
	switch step.Kind {
	case KindMixDecrypt:
		ciphertexts := make([][]byte, len(step.Ciphertexts))
		for i, c := range step.Ciphertexts {
			ciphertexts[i] = []byte(c)
		}
		return returncodes.MixDecryptRequest{
			ElectionEventID: step.Election,
			BallotBoxID:     step.BallotBox,
			NodeID:          step.Node,
			Ciphertexts:     ciphertexts,
		}, []orchestrator.SendOption{orchestrator.WithTargets(protocol.NodeID(step.Node))}
	default:
		return returncodes.PartialChoiceCodesRequest{
			ElectionEventID:       step.Election,
			VerificationCardSetID: step.CardSet,
			VerificationCardID:    step.Card,
			EncryptedVote:         []byte(step.Vote),
		}, nil
	}
}

func summarize(v any) any {
	switch r := v.(type) {
	case returncodes.ChoiceCodes:
		counts := make([]int, len(r.Partials))
		for i, p := range r.Partials {
			counts[i] = len(p)
		}
		return choiceCodesSummary{VerificationCardID: r.VerificationCardID, CodesPerNode: counts}
	case returncodes.MixDecryptResult:
		out := make([]string, len(r.Ciphertexts))
		for i, c := range r.Ciphertexts {
			out[i] = string(c)
		}
		return mixSummary{Node: int(r.NodeID), BallotBoxID: r.BallotBoxID, Ciphertexts: out}
	default:
		return v
	}
}

// requestCapture stands in for the nodes' request queues.
type requestCapture struct {
	mu   sync.Mutex
	msgs map[string]map[protocol.NodeID]broker.Message
}

func newRequestCapture() *requestCapture {
	return &requestCapture{msgs: make(map[string]map[protocol.NodeID]broker.Message)}
}

func (c *requestCapture) handle(_ context.Context, msg broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byNode, ok := c.msgs[msg.CorrelationID]
	if !ok {
		byNode = make(map[protocol.NodeID]broker.Message)
		c.msgs[msg.CorrelationID] = byNode
	}
	byNode[msg.NodeID] = msg
	return nil
}

func (c *requestCapture) get(correlationID string, node protocol.NodeID) (broker.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.msgs[correlationID][node]
	return msg, ok
}

// forCorrelation returns the captured requests of correlationID ordered by
// node.
func (c *requestCapture) forCorrelation(correlationID string) []broker.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broker.Message, 0, len(c.msgs[correlationID]))
	for _, msg := range c.msgs[correlationID] {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
