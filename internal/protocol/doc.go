// Package protocol holds the static table that tells the orchestrator how to
// talk to the control components.
//
// Every feature that needs cross-node coordination contributes one Entry:
//
//   - the request type it sends and the response type the nodes reply with
//   - whether the request goes to every node (broadcast) or to one (unicast)
//   - whether the callback needs all N responses (aggregate) or fires on the
//     single response
//   - how to extract the business context id from a request (deduplication)
//   - how to extract the responding node id from a response
//   - how to decode a response body
//   - the callback invoked once the logical call completes
//
// Entries are built with Define, which closes over concrete request and
// response types, so no type is ever resolved from a name at runtime beyond
// the registry lookup itself. The Registry is immutable after NewRegistry
// returns and is safe for concurrent use without locking.
//
// Message bodies travel as deterministic CBOR (see Marshal and Unmarshal).
package protocol
