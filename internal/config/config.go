// Package config loads and validates the orchestrator configuration.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Config is the full orchestrator configuration.
//
// Fields carry yaml tags for the file format and json tags for the schema
// check, which encodes the struct into CUE.
type Config struct {
	// Nodes is the quorum size N.
	Nodes int `yaml:"nodes" json:"nodes"`

	// Tenant is stamped on every outgoing message.
	Tenant string `yaml:"tenant" json:"tenant"`

	Ledger     Ledger     `yaml:"ledger" json:"ledger"`
	Broker     Broker     `yaml:"broker" json:"broker"`
	Dispatcher Dispatcher `yaml:"dispatcher" json:"dispatcher"`
	Completion Completion `yaml:"completion" json:"completion"`
	Metrics    Metrics    `yaml:"metrics" json:"metrics"`
}

// Ledger configures the SQLite ledger.
type Ledger struct {
	Path string `yaml:"path" json:"path"`
}

// Broker configures the message transport.
type Broker struct {
	// Kind is "memory" (single process) or "nats".
	Kind string `yaml:"kind" json:"kind"`

	// URL of the NATS server; required for kind "nats".
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// QueueGroup is shared by every orchestrator replica.
	QueueGroup string `yaml:"queue_group" json:"queue_group"`

	// Requests is the per-node request queue prefix.
	Requests string `yaml:"requests" json:"requests"`

	Responses   string `yaml:"responses" json:"responses"`
	Completions string `yaml:"completions" json:"completions"`

	DuplicateWindow time.Duration `yaml:"duplicate_window" json:"duplicate_window"`
	MaxDeliveries   int           `yaml:"max_deliveries" json:"max_deliveries"`

	// Workers is the delivery concurrency of the in-memory broker.
	Workers int `yaml:"workers" json:"workers"`
}

// Dispatcher configures sending and correlation.
type Dispatcher struct {
	Listeners      int           `yaml:"listeners" json:"listeners"`
	PublishBackoff time.Duration `yaml:"publish_backoff" json:"publish_backoff"`
	PublishRetries int           `yaml:"publish_retries" json:"publish_retries"`
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	SweepMinAge    time.Duration `yaml:"sweep_min_age" json:"sweep_min_age"`
	SweepWorkers   int           `yaml:"sweep_workers" json:"sweep_workers"`
}

// Completion configures the completion bridge.
type Completion struct {
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	Capacity int           `yaml:"capacity" json:"capacity"`

	// Timeout bounds how long a blocking service call waits.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

// Default returns the configuration used when a field is not set.
func Default() Config {
	return Config{
		Nodes:  4,
		Tenant: "default",
		Ledger: Ledger{Path: "quorum.db"},
		Broker: Broker{
			Kind:            "memory",
			QueueGroup:      "orchestrator",
			Requests:        "quorum.requests",
			Responses:       "quorum.responses",
			Completions:     "quorum.completions",
			DuplicateWindow: 2 * time.Minute,
			MaxDeliveries:   5,
			Workers:         16,
		},
		Dispatcher: Dispatcher{
			Listeners:      4,
			PublishBackoff: 50 * time.Millisecond,
			PublishRetries: 5,
			SweepInterval:  10 * time.Second,
			SweepMinAge:    30 * time.Second,
			SweepWorkers:   4,
		},
		Completion: Completion{
			TTL:      5 * time.Minute,
			Capacity: 10000,
			Timeout:  time.Minute,
		},
	}
}

// Load reads, decodes and validates the configuration file at path.
// Fields absent from the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def.Unify(ctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config:\n%s", cueerrors.Details(err, nil))
	}
	return nil
}
