// Package metrics exposes Prometheus collectors for the correlation engine.
package metrics

import "time"

const (
	namespace = "quorum"

	subsystemDispatcher = "dispatcher"
	subsystemCompletion = "completion"
	subsystemOutbox     = "outbox"
)

const (
	LabelRequestType  = "request_type"
	LabelResponseType = "response_type"
	LabelOutcome      = "outcome"
	LabelMode         = "mode"
)

// Response outcomes.
const (
	OutcomeFilled    = "filled"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeRejected  = "rejected"
)

// Wait outcomes.
const (
	WaitResolved    = "resolved"
	WaitTimeout     = "timeout"
	WaitInterrupted = "interrupted"
	WaitEvicted     = "evicted"
)

// Metrics is the set of signals the engine reports.
type Metrics interface {
	// RequestSent counts one logical send that published to nodes targets.
	RequestSent(requestType string, nodes int)

	// RequestDeduplicated counts a send collapsed onto an in-flight correlation.
	RequestDeduplicated(requestType string)

	// ResponseReceived counts an inbound response by outcome.
	ResponseReceived(responseType string, outcome string)

	// CallCompleted observes the time from row creation to callback.
	CallCompleted(requestType string, aggregate bool, elapsed time.Duration)

	// OutboxRepublished counts records republished by the sweep.
	OutboxRepublished(n int)

	// WaitFinished counts the end of a completion wait by outcome.
	WaitFinished(outcome string)
}
