// Package harness replays correlation scenarios against the real
// dispatcher, ledger and completion bridge.
//
// A scenario sends return-code and mixing requests, then delivers the
// simulated nodes' responses in a scripted order. Responses are handed to
// the dispatcher one at a time, so the resulting trace is identical across
// runs and can be compared against a golden file.
//
// # Scenario Format
//
//	name: choice_codes_out_of_order
//	description: "Partial choice codes arrive 3,1,4,2"
//	nodes: 4
//	steps:
//	  - send: {call: vote, kind: choice_codes, election: ee1, card: vc1, vote: "yes"}
//	  - deliver: {call: vote, nodes: [3, 1, 4, 2]}
//	assertions:
//	  - {type: completions, call: vote, count: 1}
//	  - {type: ordered_by_node, call: vote}
//
// # Assertion Types
//
//   - completions: the call completed exactly count times
//   - same_call: every listed call shares one correlation id
//   - rows_left: count ledger rows remain for the call
//   - ordered_by_node: an aggregated result lists node 1 first and node N last
//
// # Deterministic Testing
//
// Correlation ids are "corr-1", "corr-2", ...; dedup tokens are "tok-1",
// "tok-2", ...; timestamps come from testutil.DeterministicClock.
package harness
