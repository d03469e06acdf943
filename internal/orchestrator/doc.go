// Package orchestrator sends requests to the control-component nodes and
// correlates their responses.
//
// A Dispatcher owns three collaborators: the protocol registry that says how
// each request type is sent and answered, the ledger that records one row
// per expected response, and the broker that carries messages.
//
// Send records rows and outgoing messages in one transaction and publishes
// afterwards. Sending the same (request type, context id) pair while a call
// is still in flight returns the existing correlation id without publishing
// again.
//
// Handle processes one inbound response. Single calls complete on the first
// response. Aggregate calls complete when every node has answered: the rows
// are read back in node order, deleted, and the callback receives exactly N
// payloads. Callbacks run inside the ledger transaction, so a failing
// callback leaves the response unrecorded for its redelivery.
//
// Thread-safety model:
//   - Send, Handle and SweepOutbox: safe from any goroutine
//   - Run: one call per Dispatcher
//
// Responses for the same correlation are serialised by the ledger's
// correlation lock; responses for different correlations are processed in
// parallel.
package orchestrator
