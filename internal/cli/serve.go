package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/quorum/internal/metrics"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddress string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an orchestrator replica",
		Long: `Run one orchestrator replica: consume node responses, complete calls,
relay completions to the other replicas and sweep the outbox.

Example:
  quorum serve --config ./quorum.yaml
  quorum serve --config ./quorum.yaml --metrics-address :9090 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddress, "metrics-address", "", "serve /metrics on this address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	log := opts.logger(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.MetricsAddress != "" {
		cfg.Metrics.Address = opts.MetricsAddress
	}

	br, err := openBroker(cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect broker", err)
	}
	st, err := openStack(cfg, log, br)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing replica", "error", closeErr)
		}
	}()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	sub, err := st.bridge.Listen()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen for completions", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return sub.Unsubscribe()
	})
	if cfg.Metrics.Address != "" {
		srv := metrics.NewServer(cfg.Metrics.Address, st.registry, log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	log.Info("replica started",
		"tenant", cfg.Tenant,
		"nodes", cfg.Nodes,
		"broker", cfg.Broker.Kind,
		"ledger", cfg.Ledger.Path,
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Replica started. Consuming responses...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "replica error", err)
	}

	log.Info("replica stopped gracefully")
	return nil
}
