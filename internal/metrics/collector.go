package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector reports to a Prometheus registerer.
type Collector struct {
	sent         *prometheus.CounterVec
	deduplicated *prometheus.CounterVec
	responses    *prometheus.CounterVec
	completed    *prometheus.HistogramVec
	republished  prometheus.Counter
	waits        *prometheus.CounterVec
}

var _ Metrics = (*Collector)(nil)

// NewCollector registers the engine collectors with reg. Registering twice
// with the same registerer panics, as promauto does.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "requests_sent_total",
			Namespace: namespace,
			Subsystem: subsystemDispatcher,
			Help:      "the number of request messages published to nodes",
		}, []string{LabelRequestType}),

		deduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "requests_deduplicated_total",
			Namespace: namespace,
			Subsystem: subsystemDispatcher,
			Help:      "the number of sends collapsed onto an in-flight correlation",
		}, []string{LabelRequestType}),

		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "responses_received_total",
			Namespace: namespace,
			Subsystem: subsystemDispatcher,
			Help:      "the number of responses received, by outcome",
		}, []string{LabelResponseType, LabelOutcome}),

		completed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "call_duration_seconds",
			Namespace: namespace,
			Subsystem: subsystemDispatcher,
			Help:      "time from the first ledger row to the callback",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{LabelRequestType, LabelMode}),

		republished: factory.NewCounter(prometheus.CounterOpts{
			Name:      "republished_total",
			Namespace: namespace,
			Subsystem: subsystemOutbox,
			Help:      "the number of outbox records republished by the sweep",
		}),

		waits: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "waits_total",
			Namespace: namespace,
			Subsystem: subsystemCompletion,
			Help:      "the number of completion waits, by outcome",
		}, []string{LabelOutcome}),
	}
}

func (c *Collector) RequestSent(requestType string, nodes int) {
	c.sent.With(prometheus.Labels{LabelRequestType: requestType}).Add(float64(nodes))
}

func (c *Collector) RequestDeduplicated(requestType string) {
	c.deduplicated.With(prometheus.Labels{LabelRequestType: requestType}).Inc()
}

func (c *Collector) ResponseReceived(responseType string, outcome string) {
	c.responses.With(prometheus.Labels{LabelResponseType: responseType, LabelOutcome: outcome}).Inc()
}

func (c *Collector) CallCompleted(requestType string, aggregate bool, elapsed time.Duration) {
	mode := "single"
	if aggregate {
		mode = "aggregate"
	}
	c.completed.With(prometheus.Labels{LabelRequestType: requestType, LabelMode: mode}).Observe(elapsed.Seconds())
}

func (c *Collector) OutboxRepublished(n int) {
	c.republished.Add(float64(n))
}

func (c *Collector) WaitFinished(outcome string) {
	c.waits.With(prometheus.Labels{LabelOutcome: outcome}).Inc()
}
