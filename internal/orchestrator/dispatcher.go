package orchestrator

import (
	"log/slog"
	"time"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/ledger"
	"github.com/roach88/quorum/internal/metrics"
	"github.com/roach88/quorum/internal/protocol"
)

const (
	// DefaultNodes is the quorum size of a standard deployment.
	DefaultNodes = 4

	DefaultRequestsAddress  = "quorum.requests"
	DefaultResponsesAddress = "quorum.responses"

	DefaultListeners     = 4
	DefaultSweepWorkers  = 4
	DefaultSweepInterval = 10 * time.Second
	DefaultSweepMinAge   = 30 * time.Second
	DefaultSweepBatch    = 256

	DefaultPublishBackoff = 50 * time.Millisecond
	DefaultPublishRetries = 5
)

// Addresses names the broker destinations the dispatcher uses.
type Addresses struct {
	// Requests is the prefix of the per-node request queues; node n listens
	// on "<Requests>.<n>".
	Requests string

	// Responses is the queue every node answers on.
	Responses string
}

// RequestAddress returns the queue a node consumes requests from.
func (a Addresses) RequestAddress(node protocol.NodeID) string {
	return a.Requests + "." + node.String()
}

// Dispatcher sends requests and correlates responses.
type Dispatcher struct {
	registry *protocol.Registry
	ledger   *ledger.Ledger
	broker   broker.Broker

	nodes   int
	addrs   Addresses
	tenant  string
	ids     IDGenerator
	tokens  IDGenerator
	metrics metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	listeners     int
	sweepWorkers  int
	sweepInterval time.Duration
	sweepMinAge   time.Duration
	sweepBatch    int

	publishBackoff time.Duration
	publishRetries uint64
}

// Option allows configuration of dispatcher parameters.
type Option func(*Dispatcher)

// WithNodes sets the quorum size N.
//
// Default: 4 (DefaultNodes)
func WithNodes(n int) Option {
	return func(d *Dispatcher) {
		d.nodes = n
	}
}

// WithAddresses sets the request prefix and the response queue.
func WithAddresses(a Addresses) Option {
	return func(d *Dispatcher) {
		d.addrs = a
	}
}

// WithTenant sets the tenant id stamped on every outgoing message.
func WithTenant(tenant string) Option {
	return func(d *Dispatcher) {
		d.tenant = tenant
	}
}

// WithIDGenerator sets the correlation id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(d *Dispatcher) {
		d.ids = g
	}
}

// WithTokenGenerator sets the duplicate-detection token generator.
func WithTokenGenerator(g IDGenerator) Option {
	return func(d *Dispatcher) {
		d.tokens = g
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// WithClock overrides the wall clock used by the outbox sweep.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithListeners sets how many consumers Run attaches to the response queue.
func WithListeners(n int) Option {
	return func(d *Dispatcher) {
		d.listeners = n
	}
}

// WithSweep configures the outbox sweep: how often it runs, how old a
// record must be before it is republished, and how many records it
// republishes in parallel.
func WithSweep(interval, minAge time.Duration, workers int) Option {
	return func(d *Dispatcher) {
		d.sweepInterval = interval
		d.sweepMinAge = minAge
		d.sweepWorkers = workers
	}
}

// WithPublishRetry sets the exponential backoff base and the retry budget
// for a single publish. A non-positive base keeps DefaultPublishBackoff.
func WithPublishRetry(base time.Duration, retries uint64) Option {
	return func(d *Dispatcher) {
		if base > 0 {
			d.publishBackoff = base
		}
		d.publishRetries = retries
	}
}

// New creates a Dispatcher over the given registry, ledger and broker.
func New(reg *protocol.Registry, l *ledger.Ledger, b broker.Broker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		ledger:   l,
		broker:   b,
		nodes:    DefaultNodes,
		addrs: Addresses{
			Requests:  DefaultRequestsAddress,
			Responses: DefaultResponsesAddress,
		},
		ids:            UUIDv7Generator{},
		tokens:         UUIDv7Generator{},
		metrics:        metrics.NewNoopCollector(),
		log:            slog.Default(),
		now:            time.Now,
		listeners:      DefaultListeners,
		sweepWorkers:   DefaultSweepWorkers,
		sweepInterval:  DefaultSweepInterval,
		sweepMinAge:    DefaultSweepMinAge,
		sweepBatch:     DefaultSweepBatch,
		publishBackoff: DefaultPublishBackoff,
		publishRetries: DefaultPublishRetries,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Nodes returns the quorum size N.
func (d *Dispatcher) Nodes() int {
	return d.nodes
}

// Addresses returns the broker destinations in use.
func (d *Dispatcher) Addresses() Addresses {
	return d.addrs
}
