package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/metrics"
	"github.com/roach88/quorum/internal/protocol"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 10000
	DefaultTopic    = "quorum.completions"

	// MessageType is the message-type header of relayed outcomes.
	MessageType = "Completion"

	ResultValue   = "value"
	ResultFailure = "failure"
)

var (
	// ErrWaitTimeout is returned by Get when the timeout elapses first.
	ErrWaitTimeout = errors.New("completion wait timed out")

	// ErrWaitInterrupted is returned by Get when its context ends first.
	ErrWaitInterrupted = errors.New("completion wait interrupted")

	// ErrWaitEvicted fails a wait that expired or was pushed out of the cache.
	ErrWaitEvicted = errors.New("completion wait evicted")

	// ErrResultTypeMismatch is returned when a wait is registered twice with
	// different result types, or resolved with a value of the wrong type.
	ErrResultTypeMismatch = errors.New("completion result type mismatch")

	// ErrMalformedFailure is returned for a relayed failure that is not a
	// well-formed Failure of a declared kind.
	ErrMalformedFailure = errors.New("malformed completion failure")
)

// pendingWait is a single-shot result cell.
type pendingWait struct {
	resultType reflect.Type
	accepts    func(v any) bool
	decode     func(data []byte) (any, error)

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// resolve stores the outcome; only the first call has an effect. Returns
// whether this call resolved the wait.
func (w *pendingWait) resolve(value any, err error) bool {
	resolved := false
	w.once.Do(func() {
		w.value = value
		w.err = err
		close(w.done)
		resolved = true
	})
	return resolved
}

func (w *pendingWait) resolved() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Bridge holds the waits registered in this process.
type Bridge struct {
	mu      sync.Mutex
	waits   *expirable.LRU[string, *pendingWait]
	broker  broker.Broker
	topic   string
	tenant  string
	ttl     time.Duration
	size    int
	metrics metrics.Metrics
	log     *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTTL sets how long a wait may stay registered.
//
// Default: 5 minutes (DefaultTTL)
func WithTTL(ttl time.Duration) Option {
	return func(b *Bridge) {
		b.ttl = ttl
	}
}

// WithCapacity bounds the number of concurrent waits. When full, the oldest
// wait is evicted and fails with ErrWaitEvicted.
func WithCapacity(n int) Option {
	return func(b *Bridge) {
		b.size = n
	}
}

// WithTopic sets the completion topic.
func WithTopic(topic string) Option {
	return func(b *Bridge) {
		b.topic = topic
	}
}

// WithTenant sets the tenant id stamped on relayed outcomes.
func WithTenant(tenant string) Option {
	return func(b *Bridge) {
		b.tenant = tenant
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.log = l
	}
}

// New creates a Bridge relaying through br.
func New(br broker.Broker, opts ...Option) *Bridge {
	b := &Bridge{
		broker:  br,
		topic:   DefaultTopic,
		ttl:     DefaultTTL,
		size:    DefaultCapacity,
		metrics: metrics.NewNoopCollector(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.waits = expirable.NewLRU[string, *pendingWait](b.size, b.onEvict, b.ttl)
	return b
}

func (b *Bridge) onEvict(correlationID string, w *pendingWait) {
	if w.resolve(nil, ErrWaitEvicted) {
		b.log.Warn("completion wait evicted", "correlation_id", correlationID)
		b.metrics.WaitFinished(metrics.WaitEvicted)
	}
}

// Listen subscribes HandleBroadcast to the completion topic.
func (b *Bridge) Listen() (broker.Subscription, error) {
	sub, err := b.broker.Subscribe(b.topic, broker.Topic, b.HandleBroadcast)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", b.topic, err)
	}
	return sub, nil
}

// Pending returns the number of registered waits.
func (b *Bridge) Pending() int {
	return b.waits.Len()
}

// Close fails every registered wait with ErrWaitEvicted.
//
// The expiry goroutine of the wait cache cannot be stopped with
// golang-lru v2.0.7 and outlives Close; create one Bridge per process.
func (b *Bridge) Close() {
	b.waits.Purge()
}

// Register returns a Future for correlationID. Registering again while the
// first wait is unresolved returns a Future on the same wait; registering
// with a different result type fails with ErrResultTypeMismatch.
func Register[T any](b *Bridge, correlationID string) (*Future[T], error) {
	if correlationID == "" {
		return nil, fmt.Errorf("register: empty correlation id")
	}

	resultType := reflect.TypeFor[T]()

	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.waits.Peek(correlationID); ok && !w.resolved() {
		if w.resultType != resultType {
			return nil, fmt.Errorf("register %s: waiting for %s, not %s: %w",
				correlationID, w.resultType, resultType, ErrResultTypeMismatch)
		}
		return &Future[T]{bridge: b, correlationID: correlationID, wait: w}, nil
	}

	w := &pendingWait{
		resultType: resultType,
		accepts: func(v any) bool {
			_, ok := v.(T)
			return ok
		},
		decode: func(data []byte) (any, error) {
			var v T
			if err := protocol.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		done: make(chan struct{}),
	}
	b.waits.Add(correlationID, w)
	return &Future[T]{bridge: b, correlationID: correlationID, wait: w}, nil
}

// Notify delivers the outcome of correlationID. A local wait is resolved
// directly; otherwise the outcome is relayed on the completion topic. Errors
// are relayed as a Failure (see AsFailure).
func (b *Bridge) Notify(ctx context.Context, correlationID string, value any, err error) error {
	if b.resolveLocal(correlationID, func(w *pendingWait) (any, error) {
		if err != nil {
			return nil, err
		}
		if !w.accepts(value) {
			return nil, fmt.Errorf("notify %s: got %T, waiting for %s: %w",
				correlationID, value, w.resultType, ErrResultTypeMismatch)
		}
		return value, nil
	}) {
		return nil
	}

	msg := broker.Message{
		CorrelationID: correlationID,
		MessageType:   MessageType,
		TenantID:      b.tenant,
	}
	if err != nil {
		body, encErr := encodeFailure(AsFailure(err))
		if encErr != nil {
			return fmt.Errorf("notify %s: %w", correlationID, encErr)
		}
		msg.ResultKind = ResultFailure
		msg.Body = body
	} else {
		body, encErr := protocol.Marshal(value)
		if encErr != nil {
			return fmt.Errorf("notify %s: %w", correlationID, encErr)
		}
		msg.ResultKind = ResultValue
		msg.Body = body
	}

	b.log.Debug("relaying completion", "correlation_id", correlationID, "result_kind", msg.ResultKind)
	if err := b.broker.Publish(ctx, b.topic, msg); err != nil {
		return fmt.Errorf("notify %s: relay: %w", correlationID, err)
	}
	return nil
}

// HandleBroadcast resolves a local wait from a relayed outcome. Outcomes for
// correlations not waited on here are ignored.
func (b *Bridge) HandleBroadcast(_ context.Context, msg broker.Message) error {
	var malformed error
	found := b.resolveLocal(msg.CorrelationID, func(w *pendingWait) (any, error) {
		switch msg.ResultKind {
		case ResultValue:
			v, err := w.decode(msg.Body)
			if err != nil {
				return nil, fmt.Errorf("decode completion %s: %w", msg.CorrelationID, err)
			}
			return v, nil
		case ResultFailure:
			f, err := decodeFailure(msg.Body)
			if err != nil {
				malformed = err
				return nil, err
			}
			return nil, f
		default:
			malformed = fmt.Errorf("%w: result kind %q", ErrMalformedFailure, msg.ResultKind)
			return nil, malformed
		}
	})
	if !found {
		b.log.Debug("completion not waited on here", "correlation_id", msg.CorrelationID)
		return nil
	}
	return malformed
}

// resolveLocal resolves and removes the local wait for correlationID with
// the outcome computed by outcome. Returns false when no wait is held.
func (b *Bridge) resolveLocal(correlationID string, outcome func(w *pendingWait) (any, error)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.waits.Peek(correlationID)
	if !ok {
		return false
	}
	value, err := outcome(w)
	if w.resolve(value, err) {
		b.metrics.WaitFinished(metrics.WaitResolved)
	}
	b.waits.Remove(correlationID)
	return true
}

// Cancel fails the wait for correlationID with ErrWaitInterrupted and
// removes it. Cancelling an unknown correlation is a no-op.
func (b *Bridge) Cancel(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.waits.Peek(correlationID)
	if !ok {
		return
	}
	if w.resolve(nil, ErrWaitInterrupted) {
		b.metrics.WaitFinished(metrics.WaitInterrupted)
	}
	b.waits.Remove(correlationID)
}

// forget removes w if it is still the wait registered for correlationID.
func (b *Bridge) forget(correlationID string, w *pendingWait) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.waits.Peek(correlationID); ok && current == w {
		b.waits.Remove(correlationID)
	}
}

// Future is the caller's handle on a registered wait.
type Future[T any] struct {
	bridge        *Bridge
	correlationID string
	wait          *pendingWait
}

// Done is closed once the outcome is known.
func (f *Future[T]) Done() <-chan struct{} {
	return f.wait.done
}

// Get blocks until the outcome is known, timeout elapses or ctx ends.
//
// On timeout the wait fails with ErrWaitTimeout and is removed, so a late
// outcome never resolves it. On context end it fails with
// ErrWaitInterrupted wrapping the context error.
func (f *Future[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.wait.done:
	case <-timer.C:
		if f.wait.resolve(nil, ErrWaitTimeout) {
			f.bridge.log.Warn("completion wait timed out",
				"correlation_id", f.correlationID,
				"timeout", timeout,
			)
			f.bridge.metrics.WaitFinished(metrics.WaitTimeout)
		}
		f.bridge.forget(f.correlationID, f.wait)
	case <-ctx.Done():
		if f.wait.resolve(nil, fmt.Errorf("%w: %w", ErrWaitInterrupted, ctx.Err())) {
			f.bridge.metrics.WaitFinished(metrics.WaitInterrupted)
		}
		f.bridge.forget(f.correlationID, f.wait)
	}

	if f.wait.err != nil {
		return zero, f.wait.err
	}
	v, ok := f.wait.value.(T)
	if !ok {
		return zero, fmt.Errorf("get %s: got %T: %w", f.correlationID, f.wait.value, ErrResultTypeMismatch)
	}
	return v, nil
}
