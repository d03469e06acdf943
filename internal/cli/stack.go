package cli

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/completion"
	"github.com/roach88/quorum/internal/config"
	"github.com/roach88/quorum/internal/ledger"
	"github.com/roach88/quorum/internal/metrics"
	"github.com/roach88/quorum/internal/orchestrator"
	"github.com/roach88/quorum/internal/protocol"
	"github.com/roach88/quorum/internal/returncodes"
)

// loadConfig reads the --config file, or returns the validated defaults.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.Config == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openBroker connects the transport named by cfg.
func openBroker(cfg config.Config, log *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case "nats":
		nb, err := broker.DialNATS(cfg.Broker.URL, broker.NATSOptions{
			Name:       "quorum-" + cfg.Tenant,
			QueueGroup: cfg.Broker.QueueGroup,
			Topics:     []string{cfg.Broker.Completions},
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		return nb, nil
	case "memory":
		return openMemoryBroker(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func openMemoryBroker(cfg config.Config, log *slog.Logger) *broker.Memory {
	return broker.NewMemory(
		broker.WithWorkers(cfg.Broker.Workers),
		broker.WithMaxDeliveries(cfg.Broker.MaxDeliveries),
		broker.WithDuplicateWindow(cfg.Broker.DuplicateWindow),
		broker.WithTopics(cfg.Broker.Completions),
		broker.WithMemoryLogger(log),
	)
}

// stack is one orchestrator replica: ledger, broker, completion bridge and
// dispatcher wired from the config.
type stack struct {
	cfg        config.Config
	log        *slog.Logger
	ledger     *ledger.Ledger
	broker     broker.Broker
	bridge     *completion.Bridge
	dispatcher *orchestrator.Dispatcher
	registry   *prometheus.Registry
}

// openStack wires a replica over br. The stack owns br and closes it.
func openStack(cfg config.Config, log *slog.Logger, br broker.Broker) (*stack, error) {
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		br.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	bridge := completion.New(br,
		completion.WithTTL(cfg.Completion.TTL),
		completion.WithCapacity(cfg.Completion.Capacity),
		completion.WithTopic(cfg.Broker.Completions),
		completion.WithTenant(cfg.Tenant),
		completion.WithMetrics(collector),
		completion.WithLogger(log),
	)

	registry, err := protocol.NewRegistry(returncodes.Entries(bridge)...)
	if err != nil {
		l.Close()
		br.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	d := orchestrator.New(registry, l, br,
		orchestrator.WithNodes(cfg.Nodes),
		orchestrator.WithAddresses(orchestrator.Addresses{
			Requests:  cfg.Broker.Requests,
			Responses: cfg.Broker.Responses,
		}),
		orchestrator.WithTenant(cfg.Tenant),
		orchestrator.WithMetrics(collector),
		orchestrator.WithLogger(log),
		orchestrator.WithListeners(cfg.Dispatcher.Listeners),
		orchestrator.WithSweep(cfg.Dispatcher.SweepInterval, cfg.Dispatcher.SweepMinAge, cfg.Dispatcher.SweepWorkers),
		orchestrator.WithPublishRetry(cfg.Dispatcher.PublishBackoff, uint64(cfg.Dispatcher.PublishRetries)),
	)

	return &stack{
		cfg:        cfg,
		log:        log,
		ledger:     l,
		broker:     br,
		bridge:     bridge,
		dispatcher: d,
		registry:   reg,
	}, nil
}

// Close fails outstanding waits, then closes the broker and the ledger.
func (s *stack) Close() error {
	s.bridge.Close()

	var result *multierror.Error
	if err := s.broker.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close broker: %w", err))
	}
	if err := s.ledger.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close ledger: %w", err))
	}
	return result.ErrorOrNil()
}
