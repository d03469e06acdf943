package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/ledger"
	"github.com/roach88/quorum/internal/protocol"
)

// keyRequest is broadcast to every node and aggregated.
type keyRequest struct {
	Election string
}

func (keyRequest) MessageType() string { return "KeyRequest" }

type keyResponse struct {
	Node  int
	Share string
}

func (keyResponse) MessageType() string { return "KeyResponse" }

// mixRequest is sent to a single node.
type mixRequest struct {
	BallotBox string
	Node      int
}

func (mixRequest) MessageType() string { return "MixRequest" }

type mixResponse struct {
	Node   int
	Output string
}

func (mixResponse) MessageType() string { return "MixResponse" }

// callRecorder captures callback invocations per correlation.
type callRecorder struct {
	mu    sync.Mutex
	calls map[string][][]protocol.Message
	total atomic.Int32
	fail  atomic.Bool
}

func newCallRecorder() *callRecorder {
	return &callRecorder{calls: make(map[string][][]protocol.Message)}
}

var errCallbackFailed = errors.New("callback failed")

func (r *callRecorder) record(correlationID string, responses []protocol.Message) error {
	if r.fail.Load() {
		return errCallbackFailed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[correlationID] = append(r.calls[correlationID], responses)
	r.total.Add(1)
	return nil
}

func (r *callRecorder) get(correlationID string) [][]protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[correlationID]
}

func testRegistry(rec *callRecorder) *protocol.Registry {
	return protocol.MustRegistry(
		protocol.Define(protocol.Definition[keyRequest, keyResponse]{
			Broadcast: true,
			Aggregate: true,
			ContextID: func(r keyRequest) string { return r.Election },
			NodeID:    func(r keyResponse) protocol.NodeID { return protocol.NodeID(r.Node) },
			OnComplete: func(_ context.Context, id string, rs []keyResponse) error {
				msgs := make([]protocol.Message, len(rs))
				for i, r := range rs {
					msgs[i] = r
				}
				return rec.record(id, msgs)
			},
		}),
		protocol.Define(protocol.Definition[mixRequest, mixResponse]{
			ContextID: func(r mixRequest) string { return r.BallotBox + "/" + protocol.NodeID(r.Node).String() },
			NodeID:    func(r mixResponse) protocol.NodeID { return protocol.NodeID(r.Node) },
			OnComplete: func(_ context.Context, id string, rs []mixResponse) error {
				msgs := make([]protocol.Message, len(rs))
				for i, r := range rs {
					msgs[i] = r
				}
				return rec.record(id, msgs)
			},
		}),
	)
}

type testEnv struct {
	d      *Dispatcher
	ledger *ledger.Ledger
	broker *broker.Memory
	flaky  *flakyBroker
	calls  *callRecorder
}

// createTestEnv builds a dispatcher over a temp-dir ledger and an in-memory
// broker wrapped so tests can take it down. Extra options are applied after
// the test defaults.
func createTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	b := broker.NewMemory(broker.WithWorkers(8))
	t.Cleanup(func() { b.Close() })

	flaky := &flakyBroker{Memory: b}
	rec := newCallRecorder()
	base := []Option{
		WithTenant("test-tenant"),
		WithTokenGenerator(NewSequenceGenerator("tok")),
		WithPublishRetry(time.Millisecond, 2),
	}
	d := New(testRegistry(rec), l, flaky, append(base, opts...)...)

	return &testEnv{d: d, ledger: l, broker: b, flaky: flaky, calls: rec}
}

// responseMsg builds an inbound response envelope.
func responseMsg(t *testing.T, correlationID string, resp protocol.Message, node protocol.NodeID) broker.Message {
	t.Helper()
	body, err := protocol.Marshal(resp)
	require.NoError(t, err)
	return broker.Message{
		CorrelationID: correlationID,
		MessageType:   resp.MessageType(),
		NodeID:        node,
		Body:          body,
	}
}

// captureRequests subscribes to every per-node request queue.
func captureRequests(t *testing.T, env *testEnv) *requestLog {
	t.Helper()
	log := &requestLog{}
	for _, node := range protocol.Nodes(env.d.Nodes()) {
		_, err := env.broker.Subscribe(env.d.Addresses().RequestAddress(node), broker.Queue, log.handle)
		require.NoError(t, err)
	}
	return log
}

type requestLog struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (l *requestLog) handle(_ context.Context, m broker.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
	return nil
}

func (l *requestLog) all() []broker.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]broker.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// flakyBroker fails every publish while down is set.
type flakyBroker struct {
	*broker.Memory
	down     atomic.Bool
	attempts atomic.Int32
}

var errBrokerDown = errors.New("broker unavailable")

func (f *flakyBroker) Publish(ctx context.Context, address string, msg broker.Message) error {
	f.attempts.Add(1)
	if f.down.Load() {
		return errBrokerDown
	}
	return f.Memory.Publish(ctx, address, msg)
}
