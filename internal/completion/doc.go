// Package completion lets a caller block on the outcome of an asynchronous
// call.
//
// A caller registers a wait for a correlation id before sending, then calls
// Get on the returned Future. Whoever learns the outcome calls Notify. When
// the wait lives in this process it is resolved directly; otherwise the
// outcome is published on the completion topic so the replica that holds the
// wait can resolve it from HandleBroadcast.
//
// Waits are process-local and expire after a fixed TTL. Losing them on
// restart only fails the callers that were blocked in that process.
package completion
