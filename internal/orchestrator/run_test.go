package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/protocol"
)

// attachEchoNodes makes every node answer a KeyRequest with its own share.
func attachEchoNodes(t *testing.T, env *testEnv) {
	t.Helper()
	for _, node := range protocol.Nodes(env.d.Nodes()) {
		_, err := env.broker.Subscribe(env.d.Addresses().RequestAddress(node), broker.Queue,
			func(ctx context.Context, m broker.Message) error {
				body, err := protocol.Marshal(keyResponse{Node: int(node), Share: "share-" + node.String()})
				if err != nil {
					return err
				}
				return env.broker.Publish(ctx, env.d.Addresses().Responses, broker.Message{
					CorrelationID: m.CorrelationID,
					MessageType:   "KeyResponse",
					NodeID:        node,
					Body:          body,
				})
			})
		require.NoError(t, err)
	}
}

func TestRun_EndToEndQuorum(t *testing.T) {
	env := createTestEnv(t, WithListeners(2), WithSweep(time.Hour, time.Hour, 1))
	attachEchoNodes(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.d.Run(ctx) }()

	corr, err := env.d.Send(ctx, keyRequest{Election: "ee1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.calls.get(corr)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := env.calls.get(corr)[0]
	require.Len(t, got, 4)
	for i, m := range got {
		assert.Equal(t, i+1, m.(keyResponse).Node)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRun_SweepsLeftoversOnStart(t *testing.T) {
	env := createTestEnv(t, WithSweep(time.Hour, 0, 2))
	attachEchoNodes(t, env)

	// The first process recorded the call but never reached the broker.
	env.flaky.down.Store(true)
	corr, err := env.d.Send(context.Background(), keyRequest{Election: "ee1"})
	require.Error(t, err)
	env.flaky.down.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(env.calls.get(corr)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_UnknownResponseIsRedeliveredThenDeadLettered(t *testing.T) {
	env := createTestEnv(t, WithListeners(1), WithSweep(time.Hour, time.Hour, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.d.Run(ctx) }()

	require.NoError(t, env.broker.Publish(ctx, env.d.Addresses().Responses, broker.Message{
		CorrelationID: "c1",
		MessageType:   "Unregistered",
	}))

	require.Eventually(t, func() bool {
		return len(env.broker.DeadLetters()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead := env.broker.DeadLetters()[0]
	assert.True(t, IsUnknownTypeError(dead.Err))

	cancel()
	require.NoError(t, <-done)
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("tok")
	assert.Equal(t, "tok-1", g.Generate())
	assert.Equal(t, "tok-2", g.Generate())
}

func TestUUIDv7Generator(t *testing.T) {
	var g UUIDv7Generator
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestRuntimeError_Format(t *testing.T) {
	err := newQuorumMismatchError("c1", 3, 4)
	assert.Equal(t, "QUORUM_MISMATCH: collected 3 responses, expected one from each of 4 nodes (correlation=c1)", err.Error())

	wrapped := newUnknownRequestError("X", protocol.ErrNotRegistered)
	assert.ErrorIs(t, wrapped, protocol.ErrNotRegistered)
	assert.True(t, IsUnknownTypeError(wrapped))
	assert.False(t, IsQuorumMismatchError(wrapped))
}
