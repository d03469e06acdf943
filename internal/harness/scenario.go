package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/quorum/internal/orchestrator"
)

// Call kinds.
const (
	KindChoiceCodes = "choice_codes"
	KindMixDecrypt  = "mix_decrypt"
)

// Assertion type constants.
const (
	AssertCompletions   = "completions"
	AssertSameCall      = "same_call"
	AssertRowsLeft      = "rows_left"
	AssertOrderedByNode = "ordered_by_node"
)

// Scenario is a scripted run: requests to send, the order in which node
// responses arrive, and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes is the quorum size. Defaults to 4.
	Nodes int `yaml:"nodes,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is either a send or a deliver.
type Step struct {
	Send    *SendStep    `yaml:"send,omitempty"`
	Deliver *DeliverStep `yaml:"deliver,omitempty"`
}

// SendStep sends one request. Call labels the request for later steps.
type SendStep struct {
	Call string `yaml:"call"`
	Kind string `yaml:"kind"`

	Election string `yaml:"election"`

	// choice_codes
	CardSet string `yaml:"card_set,omitempty"`
	Card    string `yaml:"card,omitempty"`
	Vote    string `yaml:"vote,omitempty"`

	// mix_decrypt
	BallotBox   string   `yaml:"ballot_box,omitempty"`
	Node        int      `yaml:"node,omitempty"`
	Ciphertexts []string `yaml:"ciphertexts,omitempty"`
}

// DeliverStep delivers the responses of the listed nodes, in order.
type DeliverStep struct {
	Call  string `yaml:"call"`
	Nodes []int  `yaml:"nodes"`
}

// Assertion validates the run once every step has executed.
type Assertion struct {
	Type  string   `yaml:"type"`
	Call  string   `yaml:"call,omitempty"`
	Calls []string `yaml:"calls,omitempty"`
	Count int      `yaml:"count,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid scenario: empty document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Nodes == 0 {
		scenario.Nodes = orchestrator.DefaultNodes
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that steps
// and assertions only name calls sent earlier.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Nodes < 1 {
		return fmt.Errorf("nodes must be positive, got %d", s.Nodes)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	calls := make(map[string]string)
	for i, step := range s.Steps {
		switch {
		case step.Send != nil && step.Deliver != nil:
			return fmt.Errorf("steps[%d]: send and deliver are exclusive", i)
		case step.Send != nil:
			if err := validateSend(s, step.Send); err != nil {
				return fmt.Errorf("steps[%d].send: %w", i, err)
			}
			if _, dup := calls[step.Send.Call]; dup {
				return fmt.Errorf("steps[%d].send: call %q already used", i, step.Send.Call)
			}
			calls[step.Send.Call] = step.Send.Kind
		case step.Deliver != nil:
			if _, ok := calls[step.Deliver.Call]; !ok {
				return fmt.Errorf("steps[%d].deliver: call %q not sent before", i, step.Deliver.Call)
			}
			if len(step.Deliver.Nodes) == 0 {
				return fmt.Errorf("steps[%d].deliver: nodes list is required", i)
			}
			for _, n := range step.Deliver.Nodes {
				if n < 1 || n > s.Nodes {
					return fmt.Errorf("steps[%d].deliver: node %d outside 1..%d", i, n, s.Nodes)
				}
			}
		default:
			return fmt.Errorf("steps[%d]: send or deliver is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, calls); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateSend(s *Scenario, step *SendStep) error {
	if step.Call == "" {
		return fmt.Errorf("call is required")
	}
	if step.Election == "" {
		return fmt.Errorf("election is required")
	}
	switch step.Kind {
	case KindChoiceCodes:
		if step.Card == "" {
			return fmt.Errorf("card is required for %s", KindChoiceCodes)
		}
	case KindMixDecrypt:
		if step.BallotBox == "" {
			return fmt.Errorf("ballot_box is required for %s", KindMixDecrypt)
		}
		if step.Node < 1 || step.Node > s.Nodes {
			return fmt.Errorf("node %d outside 1..%d", step.Node, s.Nodes)
		}
	default:
		return fmt.Errorf("unknown kind %q", step.Kind)
	}
	return nil
}

func validateAssertion(a Assertion, calls map[string]string) error {
	known := func(call string) error {
		if _, ok := calls[call]; !ok {
			return fmt.Errorf("unknown call %q", call)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertCompletions, AssertRowsLeft:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for %s", a.Type)
		}
		return known(a.Call)
	case AssertSameCall:
		if len(a.Calls) < 2 {
			return fmt.Errorf("calls needs at least two entries for %s", a.Type)
		}
		for _, c := range a.Calls {
			if err := known(c); err != nil {
				return err
			}
		}
		return nil
	case AssertOrderedByNode:
		if err := known(a.Call); err != nil {
			return err
		}
		if calls[a.Call] != KindChoiceCodes {
			return fmt.Errorf("%s needs an aggregated call, %q is %s", a.Type, a.Call, calls[a.Call])
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}
