package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
)

const (
	// DefaultMaxDeliveries bounds redelivery before a message is dead-lettered.
	DefaultMaxDeliveries = 5

	defaultMemoryWorkers = 16
)

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Address string
	Message Message
	Err     error
}

// Memory is an in-process broker with queue and topic semantics,
// duplicate detection and bounded redelivery.
//
// Deliveries run on a worker pool, so handlers for different messages run
// concurrently and in no particular order, as they would against a real
// broker with several listener threads.
type Memory struct {
	mu     sync.Mutex
	modes  map[string]Mode
	queues map[string]*memQueue
	topics map[string][]*memSub
	nextID uint64
	closed bool

	deadMu      sync.Mutex
	deadLetters []DeadLetter

	pool          *workerpool.WorkerPool
	inflight      sync.WaitGroup
	dedup         *dedupWindow
	maxDeliveries int
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type memQueue struct {
	subs   []*memSub
	next   int
	parked *parkedQueue
}

type memSub struct {
	id      uint64
	address string
	mode    Mode
	handler Handler
	broker  *Memory
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	workers         int
	maxDeliveries   int
	duplicateWindow time.Duration
	now             func() time.Time
	log             *slog.Logger
	topics          []string
}

// WithWorkers sets the number of concurrent delivery goroutines.
func WithWorkers(n int) MemoryOption {
	return func(c *memoryConfig) { c.workers = n }
}

// WithMaxDeliveries sets how many times a message is offered before it is
// dead-lettered.
func WithMaxDeliveries(n int) MemoryOption {
	return func(c *memoryConfig) { c.maxDeliveries = n }
}

// WithDuplicateWindow sets how long a DedupID suppresses republishing.
func WithDuplicateWindow(d time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.duplicateWindow = d }
}

// WithMemoryClock overrides the clock used by the duplicate window.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) { c.now = now }
}

// WithMemoryLogger sets the logger; defaults to slog.Default().
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(c *memoryConfig) { c.log = l }
}

// WithTopics declares topic addresses up front. Messages published to a
// topic before anyone subscribes are dropped instead of parked.
func WithTopics(addresses ...string) MemoryOption {
	return func(c *memoryConfig) { c.topics = append(c.topics, addresses...) }
}

// NewMemory creates an in-process broker.
func NewMemory(opts ...MemoryOption) *Memory {
	cfg := memoryConfig{
		workers:         defaultMemoryWorkers,
		maxDeliveries:   DefaultMaxDeliveries,
		duplicateWindow: defaultDuplicateWindow,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	modes := make(map[string]Mode, len(cfg.topics))
	for _, address := range cfg.topics {
		modes[address] = Topic
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		modes:         modes,
		queues:        make(map[string]*memQueue),
		topics:        make(map[string][]*memSub),
		pool:          workerpool.New(cfg.workers),
		dedup:         newDedupWindow(cfg.duplicateWindow, cfg.now),
		maxDeliveries: cfg.maxDeliveries,
		log:           cfg.log,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Publish routes msg to address. A message whose DedupID was already seen
// inside the duplicate window is accepted and silently dropped.
func (b *Memory) Publish(_ context.Context, address string, msg Message) error {
	if !b.dedup.Check(msg.DedupID) {
		b.log.Debug("duplicate publish dropped", "address", address, "dedup_id", msg.DedupID)
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.modes[address] == Topic {
		for _, sub := range b.topics[address] {
			b.dispatchLocked(sub, msg, 1)
		}
		return nil
	}

	q := b.queueLocked(address)
	if len(q.subs) == 0 {
		q.parked.Enqueue(msg)
		return nil
	}
	b.dispatchLocked(q.pick(), msg, 1)
	return nil
}

// Subscribe attaches h to address. The first subscription fixes the mode of
// an address; later subscriptions must use the same mode.
func (b *Memory) Subscribe(address string, mode Mode, h Handler) (Subscription, error) {
	if mode != Queue && mode != Topic {
		return nil, fmt.Errorf("subscribe %s: invalid mode %d", address, mode)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if existing, ok := b.modes[address]; ok && existing != mode {
		return nil, fmt.Errorf("subscribe %s: address is a %s, not a %s", address, existing, mode)
	}
	b.modes[address] = mode

	b.nextID++
	sub := &memSub{id: b.nextID, address: address, mode: mode, handler: h, broker: b}

	if mode == Topic {
		// Topics keep nothing for late subscribers.
		if q, ok := b.queues[address]; ok {
			b.log.Debug("dropping messages parked before the topic existed",
				"address", address, "count", q.parked.Len())
			delete(b.queues, address)
		}
		b.topics[address] = append(b.topics[address], sub)
		return sub, nil
	}

	q := b.queueLocked(address)
	q.subs = append(q.subs, sub)
	for {
		m, ok := q.parked.TryDequeue()
		if !ok {
			break
		}
		b.dispatchLocked(q.pick(), m, 1)
	}
	return sub, nil
}

// Wait blocks until every accepted delivery, including redeliveries, has
// finished. Intended for tests.
func (b *Memory) Wait() {
	b.inflight.Wait()
}

// Parked reports how many messages wait for a consumer on address.
func (b *Memory) Parked(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[address]; ok {
		return q.parked.Len()
	}
	return 0
}

// DeadLetters returns the messages that exhausted their deliveries.
func (b *Memory) DeadLetters() []DeadLetter {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Close stops accepting messages, waits for running deliveries and releases
// the worker pool.
func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.inflight.Wait()
	b.cancel()
	b.pool.StopWait()
	b.dedup.Close()
	return nil
}

func (b *Memory) queueLocked(address string) *memQueue {
	q, ok := b.queues[address]
	if !ok {
		q = &memQueue{parked: newParkedQueue()}
		b.queues[address] = q
	}
	return q
}

// pick returns the next consumer round-robin.
func (q *memQueue) pick() *memSub {
	sub := q.subs[q.next%len(q.subs)]
	q.next++
	return sub
}

// dispatchLocked submits one delivery attempt. b.mu must be held.
func (b *Memory) dispatchLocked(sub *memSub, msg Message, attempt int) {
	b.inflight.Add(1)
	b.pool.Submit(func() {
		defer b.inflight.Done()
		b.deliver(sub, msg, attempt)
	})
}

func (b *Memory) deliver(sub *memSub, msg Message, attempt int) {
	err := sub.handler(b.ctx, msg)
	if err == nil {
		return
	}

	if attempt >= b.maxDeliveries {
		b.log.Warn("message dead-lettered",
			"address", sub.address,
			"message_type", msg.MessageType,
			"correlation_id", msg.CorrelationID,
			"attempts", attempt,
			"error", err,
		)
		b.deadMu.Lock()
		b.deadLetters = append(b.deadLetters, DeadLetter{Address: sub.address, Message: msg, Err: err})
		b.deadMu.Unlock()
		return
	}

	b.log.Debug("redelivering message",
		"address", sub.address,
		"correlation_id", msg.CorrelationID,
		"attempt", attempt,
		"error", err,
	)

	b.mu.Lock()
	defer b.mu.Unlock()

	target := sub
	if sub.mode == Queue {
		q := b.queues[sub.address]
		if len(q.subs) == 0 {
			q.parked.Enqueue(msg)
			return
		}
		target = q.pick()
	} else if !sub.attachedLocked() {
		return
	}
	b.dispatchLocked(target, msg, attempt+1)
}

// Unsubscribe detaches the consumer. Deliveries already submitted still run.
func (s *memSub) Unsubscribe() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.mode == Topic {
		b.topics[s.address] = removeSub(b.topics[s.address], s.id)
		return nil
	}
	if q, ok := b.queues[s.address]; ok {
		q.subs = removeSub(q.subs, s.id)
	}
	return nil
}

func (s *memSub) attachedLocked() bool {
	for _, other := range s.broker.topics[s.address] {
		if other.id == s.id {
			return true
		}
	}
	return false
}

func removeSub(subs []*memSub, id uint64) []*memSub {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
