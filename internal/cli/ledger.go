package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quorum/internal/ledger"
)

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and repair in-flight correlations",
	}
	cmd.AddCommand(newLedgerListCommand(rootOpts))
	cmd.AddCommand(newLedgerPurgeCommand(rootOpts))
	return cmd
}

// ledgerRow is the CLI form of one ledger row.
type ledgerRow struct {
	CorrelationID string    `json:"correlation_id"`
	Node          int       `json:"node"`
	RequestType   string    `json:"request_type"`
	ContextID     string    `json:"context_id"`
	ResponseType  string    `json:"response_type,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ledgerListing struct {
	Rows []ledgerRow `json:"rows"`
}

func (l ledgerListing) String() string {
	if len(l.Rows) == 0 {
		return "No calls in flight."
	}
	rows := make([][]string, len(l.Rows))
	for i, r := range l.Rows {
		response := "-"
		if r.ResponseType != "" {
			response = r.ResponseType
		}
		rows[i] = []string{
			r.CorrelationID,
			strconv.Itoa(r.Node),
			r.RequestType,
			r.ContextID,
			response,
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return table([]string{"CORRELATION", "NODE", "REQUEST", "CONTEXT", "RESPONSE", "CREATED"}, rows)
}

func newLedgerListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List ledger rows of calls still in flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(opts)
			if err != nil {
				return err
			}
			defer l.Close()

			rows, err := l.List(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list ledger", err)
			}

			listing := ledgerListing{Rows: make([]ledgerRow, len(rows))}
			for i, r := range rows {
				listing.Rows[i] = ledgerRow{
					CorrelationID: r.CorrelationID,
					Node:          int(r.NodeID),
					RequestType:   r.RequestType,
					ContextID:     r.ContextID,
					ResponseType:  r.ResponseType,
					CreatedAt:     r.CreatedAt,
				}
			}
			return opts.formatter(cmd).Success(listing)
		},
	}
}

type purgeResult struct {
	CorrelationID string `json:"correlation_id"`
	Rows          int64  `json:"rows"`
}

func (p purgeResult) String() string {
	return fmt.Sprintf("Purged %d rows of %s.", p.Rows, p.CorrelationID)
}

func newLedgerPurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <correlation-id>",
		Short: "Abandon a call: delete its rows and unsent messages",
		Long: `Abandon a call: delete its ledger rows and outbox records.

Responses that arrive afterwards are treated as stale and acknowledged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLedger(opts)
			if err != nil {
				return err
			}
			defer l.Close()

			n, err := l.Purge(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to purge", err)
			}
			if n == 0 {
				out := opts.formatter(cmd)
				msg := fmt.Sprintf("no rows for correlation %s", args[0])
				if err := out.Error(CodeNotFound, msg, nil); err != nil {
					return err
				}
				return NewExitError(ExitFailure, msg)
			}
			return opts.formatter(cmd).Success(purgeResult{CorrelationID: args[0], Rows: n})
		},
	}
}

func openLedger(opts *RootOptions) (*ledger.Ledger, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return l, nil
}
