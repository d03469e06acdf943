// Package ledger provides the SQLite-backed idempotency ledger.
//
// The ledger is the single source of truth for in-flight calls to the control
// components. It holds:
//   - Ledger rows: one per (correlation_id, node_id) target of a sent request
//   - Outbox records: outgoing messages committed together with their rows
//
// # Invariants
//
// Row set is fixed at creation:
//   - A broadcast correlation gets one row per node, a unicast correlation one
//     row. Rows are never added to an existing correlation (ErrRowExists).
//
// Responses are written once:
//   - response_payload / response_type go from NULL to non-NULL exactly once
//     and are never cleared. A second fill returns ErrAlreadyFilled.
//
// Correlation-scoped serialisation:
//   - WithCorrelationLock holds an in-process mutex keyed by correlation id and
//     a BEGIN IMMEDIATE transaction, so read-count-aggregate is atomic per
//     correlation across goroutines and across processes sharing the file.
//
// Deterministic reads:
//   - FetchAll returns rows ORDER BY node_id ASC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Every transaction takes the write lock up front
package ledger
