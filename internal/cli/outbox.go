package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and republish messages not yet accepted by the broker",
	}
	cmd.AddCommand(newOutboxListCommand(rootOpts))
	cmd.AddCommand(newOutboxSweepCommand(rootOpts))
	return cmd
}

type outboxRecord struct {
	DedupID       string    `json:"dedup_id"`
	CorrelationID string    `json:"correlation_id"`
	Address       string    `json:"address"`
	MessageType   string    `json:"message_type"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

type outboxListing struct {
	Records []outboxRecord `json:"records"`
}

func (l outboxListing) String() string {
	if len(l.Records) == 0 {
		return "Outbox is empty."
	}
	rows := make([][]string, len(l.Records))
	for i, r := range l.Records {
		rows[i] = []string{
			r.DedupID,
			r.CorrelationID,
			r.Address,
			r.MessageType,
			strconv.Itoa(r.Attempts),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return table([]string{"DEDUP ID", "CORRELATION", "ADDRESS", "TYPE", "ATTEMPTS", "CREATED"}, rows)
}

func newOutboxListCommand(opts *RootOptions) *cobra.Command {
	var minAge time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(opts)
			if err != nil {
				return err
			}
			defer l.Close()

			records, err := l.PendingOutbox(cmd.Context(), time.Now().Add(-minAge), 0)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list outbox", err)
			}

			listing := outboxListing{Records: make([]outboxRecord, len(records))}
			for i, r := range records {
				listing.Records[i] = outboxRecord{
					DedupID:       r.DedupID,
					CorrelationID: r.CorrelationID,
					Address:       r.Address,
					MessageType:   r.MessageType,
					Attempts:      r.Attempts,
					CreatedAt:     r.CreatedAt,
				}
			}
			return opts.formatter(cmd).Success(listing)
		},
	}

	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only records at least this old")
	return cmd
}

type sweepResult struct {
	Republished int `json:"republished"`
}

func (s sweepResult) String() string {
	return fmt.Sprintf("Republished %d records.", s.Republished)
}

func newOutboxSweepCommand(opts *RootOptions) *cobra.Command {
	var minAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Republish outbox records now",
		Long: `Republish outbox records now, with their original dedup ids.

A running replica sweeps on its own; this is for replicas that are down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := opts.logger(cmd)
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Broker.Kind == "memory" {
				log.Warn("sweeping into the in-memory broker; messages only reach consumers in this process")
			}

			br, err := openBroker(cfg, log)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to connect broker", err)
			}
			st, err := openStack(cfg, log, br)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.dispatcher.SweepOutbox(cmd.Context(), minAge)
			if err != nil {
				out := opts.formatter(cmd)
				if outErr := out.Error(CodeBroker, "sweep incomplete", err.Error()); outErr != nil {
					return outErr
				}
				return WrapExitError(ExitFailure, fmt.Sprintf("sweep incomplete after %d records", n), err)
			}
			return opts.formatter(cmd).Success(sweepResult{Republished: n})
		},
	}

	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only records at least this old")
	return cmd
}
