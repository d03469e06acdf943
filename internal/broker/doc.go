// Package broker is the messaging boundary between the orchestrator and the
// control components.
//
// The orchestrator needs three things from a broker:
//   - point-to-point queues with competing consumers (requests to a node,
//     responses back to whichever orchestrator replica is free)
//   - a topic that fans every message out to all subscribers (completion
//     relay between orchestrator replicas)
//   - at-least-once delivery with a duplicate-detection token, so that a
//     message published twice with the same DedupID is delivered once
//
// Memory implements all of this in-process for tests and the simulate
// command. NATS adapts a NATS server: JetStream for queues (acknowledged,
// redelivered, de-duplicated through the Nats-Msg-Id header) and core
// subjects for the topic.
//
// A Handler returning an error is a negative acknowledgement: the broker
// redelivers the message and eventually dead-letters it.
package broker
