package metrics

import "time"

// NoopCollector discards every signal.
type NoopCollector struct{}

var _ Metrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) RequestSent(requestType string, nodes int)                               {}
func (nc *NoopCollector) RequestDeduplicated(requestType string)                                  {}
func (nc *NoopCollector) ResponseReceived(responseType string, outcome string)                    {}
func (nc *NoopCollector) CallCompleted(requestType string, aggregate bool, elapsed time.Duration) {}
func (nc *NoopCollector) OutboxRepublished(n int)                                                 {}
func (nc *NoopCollector) WaitFinished(outcome string)                                             {}
