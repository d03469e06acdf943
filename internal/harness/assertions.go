package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/protocol"
	"github.com/roach88/quorum/internal/returncodes"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s", event.Seq, event.Event, event.Call, event.CorrelationID)
		if event.Node != 0 {
			fmt.Fprintf(&buf, " node=%d", event.Node)
		}
		if event.Outcome != "" {
			fmt.Fprintf(&buf, " %s", event.Outcome)
		}
		buf.WriteString("\n")
	}

	return buf.String()
}

func (h *Harness) checkAssertions(ctx context.Context) {
	for i, a := range h.scenario.Assertions {
		if err := h.check(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertCompletions:
		return h.assertCompletions(a)
	case AssertSameCall:
		return h.assertSameCall(a)
	case AssertRowsLeft:
		return h.assertRowsLeft(ctx, a)
	case AssertOrderedByNode:
		return h.assertOrderedByNode(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) lookup(label string) (*call, error) {
	c, ok := h.calls[label]
	if !ok {
		return nil, fmt.Errorf("call %q was never sent", label)
	}
	return c, nil
}

// assertCompletions counts complete events in the trace rather than trusting
// the call's own counter, so a second callback would show up.
func (h *Harness) assertCompletions(a Assertion) error {
	c, err := h.lookup(a.Call)
	if err != nil {
		return err
	}

	got := 0
	for _, e := range h.result.Trace {
		if e.Event == EventComplete && e.CorrelationID == c.correlationID {
			got++
		}
	}
	if got != a.Count {
		return &AssertionError{
			Type:     AssertCompletions,
			Expected: fmt.Sprintf("%s completed %d times", a.Call, a.Count),
			Actual:   fmt.Sprintf("completed %d times", got),
			Trace:    h.result.Trace,
		}
	}
	return nil
}

func (h *Harness) assertSameCall(a Assertion) error {
	ids := make([]string, len(a.Calls))
	for i, label := range a.Calls {
		c, err := h.lookup(label)
		if err != nil {
			return err
		}
		ids[i] = c.correlationID
	}

	if len(slices.Compact(slices.Clone(ids))) != 1 {
		return &AssertionError{
			Type:     AssertSameCall,
			Expected: fmt.Sprintf("calls %v share one correlation id", a.Calls),
			Actual:   fmt.Sprintf("correlation ids %v", ids),
			Trace:    h.result.Trace,
		}
	}
	return nil
}

func (h *Harness) assertRowsLeft(ctx context.Context, a Assertion) error {
	c, err := h.lookup(a.Call)
	if err != nil {
		return err
	}
	rows, err := h.ledger.FetchAll(ctx, c.correlationID)
	if err != nil {
		return err
	}
	if len(rows) != a.Count {
		return &AssertionError{
			Type:     AssertRowsLeft,
			Expected: fmt.Sprintf("%d ledger rows for %s", a.Count, a.Call),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
			Trace:    h.result.Trace,
		}
	}
	return nil
}

// assertOrderedByNode recomputes each node's partial codes and checks they
// sit at index node-1 of the combined result.
func (h *Harness) assertOrderedByNode(ctx context.Context, a Assertion) error {
	c, err := h.lookup(a.Call)
	if err != nil {
		return err
	}
	codes, ok := c.value.(returncodes.ChoiceCodes)
	if !ok {
		return &AssertionError{
			Type:     AssertOrderedByNode,
			Expected: fmt.Sprintf("%s completed with choice codes", a.Call),
			Actual:   fmt.Sprintf("result %T", c.value),
			Trace:    h.result.Trace,
		}
	}
	if len(codes.Partials) != h.scenario.Nodes {
		return &AssertionError{
			Type:     AssertOrderedByNode,
			Expected: fmt.Sprintf("%d partials", h.scenario.Nodes),
			Actual:   fmt.Sprintf("%d partials", len(codes.Partials)),
			Trace:    h.result.Trace,
		}
	}

	for _, node := range protocol.Nodes(h.scenario.Nodes) {
		msg, err := h.response(ctx, c.correlationID, node)
		if err != nil {
			return err
		}
		want, err := partialCodes(msg)
		if err != nil {
			return err
		}
		if !slices.Equal(codes.Partials[node-1], want) {
			return &AssertionError{
				Type:     AssertOrderedByNode,
				Expected: fmt.Sprintf("position %d holds node %d's codes %v", node-1, node, want),
				Actual:   fmt.Sprintf("%v", codes.Partials[node-1]),
				Trace:    h.result.Trace,
			}
		}
	}
	return nil
}

func partialCodes(msg broker.Message) ([]string, error) {
	var resp returncodes.PartialChoiceCodesResponse
	if err := protocol.Unmarshal(msg.Body, &resp); err != nil {
		return nil, err
	}
	return resp.PartialCodes, nil
}
