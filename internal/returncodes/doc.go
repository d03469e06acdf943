// Package returncodes is the return-code and mixing client of the
// correlation engine.
//
// Choice return codes are computed by every control component: the request
// is broadcast and the orchestrator continues only once all N partial codes
// are in, ordered by node. Mix-and-decrypt runs node by node, so each
// request goes to a single component.
//
// The Service methods block until the outcome is known, using the
// completion bridge to wait across orchestrator replicas.
package returncodes
