package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/quorum/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	return cmd
}

type configSummary struct {
	Path   string `json:"path"`
	Nodes  int    `json:"nodes"`
	Tenant string `json:"tenant"`
	Broker string `json:"broker"`
	Ledger string `json:"ledger"`
}

func (s configSummary) String() string {
	return fmt.Sprintf("%s is valid: %d nodes, tenant %s, %s broker, ledger %s",
		s.Path, s.Nodes, s.Tenant, s.Broker, s.Ledger)
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a config file against the schema",
		Long: `Check a config file against the schema. The path defaults to --config.

Example:
  quorum config validate ./quorum.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Config
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return NewExitError(ExitCommandError, "no config file given")
			}

			cfg, err := config.Load(path)
			if err != nil {
				out := opts.formatter(cmd)
				if outErr := out.Error(CodeConfig, err.Error(), nil); outErr != nil {
					return outErr
				}
				return WrapExitError(ExitFailure, "config invalid", err)
			}

			return opts.formatter(cmd).Success(configSummary{
				Path:   path,
				Nodes:  cfg.Nodes,
				Tenant: cfg.Tenant,
				Broker: cfg.Broker.Kind,
				Ledger: cfg.Ledger.Path,
			})
		},
	}
}
