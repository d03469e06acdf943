package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()
	b := NewMemory(append([]MemoryOption{WithWorkers(4)}, opts...)...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// collector records deliveries for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestMemory_QueueDeliversToExactlyOneConsumer(t *testing.T) {
	b := newTestMemory(t)
	var a, c collector

	_, err := b.Subscribe("responses", Queue, a.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("responses", Queue, c.handle)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "responses", Message{CorrelationID: "c", MessageType: "T"}))
	}
	b.Wait()

	assert.Equal(t, 10, a.count()+c.count())
	assert.Equal(t, 5, a.count(), "round-robin split")
	assert.Equal(t, 5, c.count(), "round-robin split")
}

func TestMemory_TopicFansOut(t *testing.T) {
	b := newTestMemory(t)
	var a, c collector

	_, err := b.Subscribe("completions", Topic, a.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("completions", Topic, c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "completions", Message{CorrelationID: "c1"}))
	b.Wait()

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())
}

func TestMemory_TopicWithoutSubscribersDrops(t *testing.T) {
	b := newTestMemory(t)
	var got collector
	sub, err := b.Subscribe("completions", Topic, got.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), "completions", Message{CorrelationID: "c1"}))
	b.Wait()
	assert.Equal(t, 0, got.count())
	assert.Equal(t, 0, b.Parked("completions"))
}

func TestMemory_QueueParksUntilConsumerAttaches(t *testing.T) {
	b := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "requests.1", Message{CorrelationID: "c1"}))
	require.NoError(t, b.Publish(ctx, "requests.1", Message{CorrelationID: "c2"}))
	assert.Equal(t, 2, b.Parked("requests.1"))

	var got collector
	_, err := b.Subscribe("requests.1", Queue, got.handle)
	require.NoError(t, err)
	b.Wait()

	assert.Equal(t, 0, b.Parked("requests.1"))
	ids := []string{}
	for _, m := range got.all() {
		ids = append(ids, m.CorrelationID)
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
}

func TestMemory_DuplicateDedupIDDropped(t *testing.T) {
	b := newTestMemory(t)
	var got collector
	_, err := b.Subscribe("requests.1", Queue, got.handle)
	require.NoError(t, err)

	ctx := context.Background()
	msg := Message{CorrelationID: "c1", DedupID: "d-1"}
	require.NoError(t, b.Publish(ctx, "requests.1", msg))
	require.NoError(t, b.Publish(ctx, "requests.1", msg))
	require.NoError(t, b.Publish(ctx, "requests.1", Message{CorrelationID: "c1", DedupID: "d-2"}))
	b.Wait()

	assert.Equal(t, 2, got.count())
}

func TestMemory_DuplicateWindowExpires(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	b := newTestMemory(t, WithDuplicateWindow(time.Minute), WithMemoryClock(clock))
	var got collector
	_, err := b.Subscribe("q", Queue, got.handle)
	require.NoError(t, err)

	ctx := context.Background()
	msg := Message{CorrelationID: "c1", DedupID: "d-1"}
	require.NoError(t, b.Publish(ctx, "q", msg))
	now.Add(int64(2 * time.Minute))
	require.NoError(t, b.Publish(ctx, "q", msg))
	b.Wait()

	assert.Equal(t, 2, got.count())
}

func TestMemory_HandlerErrorRedelivers(t *testing.T) {
	b := newTestMemory(t)
	var attempts atomic.Int32

	_, err := b.Subscribe("responses", Queue, func(context.Context, Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "responses", Message{CorrelationID: "c1"}))
	b.Wait()

	assert.Equal(t, int32(3), attempts.Load())
	assert.Empty(t, b.DeadLetters())
}

func TestMemory_ExhaustedDeliveriesDeadLetter(t *testing.T) {
	b := newTestMemory(t, WithMaxDeliveries(2))
	var attempts atomic.Int32
	boom := errors.New("boom")

	_, err := b.Subscribe("responses", Queue, func(context.Context, Message) error {
		attempts.Add(1)
		return boom
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "responses", Message{CorrelationID: "c1", MessageType: "T"}))
	b.Wait()

	assert.Equal(t, int32(2), attempts.Load())
	dead := b.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "responses", dead[0].Address)
	assert.Equal(t, "c1", dead[0].Message.CorrelationID)
	assert.ErrorIs(t, dead[0].Err, boom)
}

func TestMemory_ModeConflict(t *testing.T) {
	b := newTestMemory(t)
	_, err := b.Subscribe("addr", Queue, func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	_, err = b.Subscribe("addr", Topic, func(context.Context, Message) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue")
}

func TestMemory_InvalidMode(t *testing.T) {
	b := newTestMemory(t)
	_, err := b.Subscribe("addr", Mode(0), func(context.Context, Message) error { return nil })
	require.Error(t, err)
}

func TestMemory_ClosedRejects(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	err := b.Publish(context.Background(), "q", Message{})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe("q", Queue, func(context.Context, Message) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_HandlerMayPublish(t *testing.T) {
	b := newTestMemory(t)
	var replies collector

	_, err := b.Subscribe("requests.1", Queue, func(ctx context.Context, m Message) error {
		return b.Publish(ctx, "responses", Message{CorrelationID: m.CorrelationID, NodeID: 1})
	})
	require.NoError(t, err)
	_, err = b.Subscribe("responses", Queue, replies.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "requests.1", Message{CorrelationID: "c1"}))
	b.Wait()

	require.Equal(t, 1, replies.count())
	assert.Equal(t, "c1", replies.all()[0].CorrelationID)
}

func TestParkedQueue_FIFO(t *testing.T) {
	q := newParkedQueue()
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	q.Enqueue(Message{CorrelationID: "a"})
	q.Enqueue(Message{CorrelationID: "b"})
	assert.Equal(t, 2, q.Len())

	m, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a", m.CorrelationID)
	m, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "b", m.CorrelationID)
	assert.Equal(t, 0, q.Len())
}

func TestDedupWindow_EmptyTokenAlwaysPasses(t *testing.T) {
	d := newDedupWindow(time.Minute, time.Now)
	defer d.Close()

	assert.True(t, d.Check(""))
	assert.True(t, d.Check(""))
	assert.True(t, d.Check("x"))
	assert.False(t, d.Check("x"))
}

func TestDedupWindow_CleanupExpires(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Unix(1000, 0).UnixNano())
	d := newDedupWindow(time.Second, func() time.Time { return time.Unix(0, now.Load()) })
	defer d.Close()

	d.Check("x")
	now.Add(int64(2 * time.Second))
	d.cleanup()

	d.mu.Lock()
	size := len(d.seen)
	d.mu.Unlock()
	assert.Equal(t, 0, size)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "queue", Queue.String())
	assert.Equal(t, "topic", Topic.String())
	assert.Equal(t, "unknown", Mode(9).String())
}

func TestMemory_DeclaredTopicDropsEarlyPublishes(t *testing.T) {
	b := newTestMemory(t, WithTopics("quorum.completions"))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "quorum.completions", Message{CorrelationID: "early"}))
	assert.Zero(t, b.Parked("quorum.completions"), "topics never park")

	c := &collector{}
	_, err := b.Subscribe("quorum.completions", Topic, c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "quorum.completions", Message{CorrelationID: "late"}))
	b.Wait()
	require.Equal(t, 1, c.count())
	assert.Equal(t, "late", c.msgs[0].CorrelationID)

	_, err = b.Subscribe("quorum.completions", Queue, c.handle)
	assert.Error(t, err, "a declared topic cannot become a queue")
}

func TestMemory_TopicSubscribeDiscardsParkedMessages(t *testing.T) {
	b := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "events", Message{CorrelationID: "before"}))
	assert.Equal(t, 1, b.Parked("events"))

	c := &collector{}
	_, err := b.Subscribe("events", Topic, c.handle)
	require.NoError(t, err)
	assert.Zero(t, b.Parked("events"))

	require.NoError(t, b.Publish(ctx, "events", Message{CorrelationID: "after"}))
	b.Wait()
	require.Equal(t, 1, c.count())
	assert.Equal(t, "after", c.msgs[0].CorrelationID)
}
