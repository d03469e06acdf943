package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/quorum/internal/broker"
	"github.com/roach88/quorum/internal/protocol"
	"github.com/roach88/quorum/internal/returncodes"
	"github.com/roach88/quorum/internal/worker"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Calls      int
	Delay      time.Duration
	Down       []int
	Duplicates bool
	Timeout    time.Duration
	Ledger     string
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run return-code and mixing calls against simulated nodes",
		Long: `Run a complete replica in-process against simulated control components.

Each call computes the choice return codes of one voting card across all
nodes, then the ballot box is mixed node by node. The in-memory broker is
always used; --delay makes higher nodes answer first.

Example:
  quorum simulate --calls 10
  quorum simulate --calls 3 --delay 50ms --duplicates
  quorum simulate --down 2 --timeout 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Calls, "calls", 3, "number of choice-code calls")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "per-node reply delay step; node n waits (N-n+1)*delay")
	cmd.Flags().IntSliceVar(&opts.Down, "down", nil, "nodes that never answer")
	cmd.Flags().BoolVar(&opts.Duplicates, "duplicates", false, "every node answers twice")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-call timeout (overrides config)")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "ledger path (a temporary ledger when empty)")

	return cmd
}

// callReport is the outcome of one choice-code call.
type callReport struct {
	Card         string `json:"card"`
	CodesPerNode []int  `json:"codes_per_node,omitempty"`
	Error        string `json:"error,omitempty"`
}

// mixReport is the outcome of one node's mixing step.
type mixReport struct {
	Node        int `json:"node"`
	Ciphertexts int `json:"ciphertexts"`
	ProofBytes  int `json:"proof_bytes"`
}

type simulationReport struct {
	Nodes    int          `json:"nodes"`
	Calls    []callReport `json:"calls"`
	Mix      []mixReport  `json:"mix"`
	MixError string       `json:"mix_error,omitempty"`
	Failed   int          `json:"failed"`
}

func (r simulationReport) String() string {
	rows := make([][]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		outcome := "ok"
		if c.Error != "" {
			outcome = c.Error
		}
		rows = append(rows, []string{c.Card, joinInts(c.CodesPerNode), outcome})
	}
	var b strings.Builder
	b.WriteString(table([]string{"CARD", "CODES PER NODE", "OUTCOME"}, rows))

	rows = rows[:0]
	for _, m := range r.Mix {
		rows = append(rows, []string{strconv.Itoa(m.Node), strconv.Itoa(m.Ciphertexts), strconv.Itoa(m.ProofBytes)})
	}
	b.WriteString("\n\n")
	b.WriteString(table([]string{"MIX NODE", "CIPHERTEXTS", "PROOF BYTES"}, rows))
	if r.MixError != "" {
		fmt.Fprintf(&b, "\nmixing failed: %s", r.MixError)
	}
	fmt.Fprintf(&b, "\n\n%d/%d calls failed", r.Failed, len(r.Calls)+1)
	return b.String()
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	log := opts.logger(cmd)
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Timeout > 0 {
		cfg.Completion.Timeout = opts.Timeout
	}
	for _, n := range opts.Down {
		if !protocol.NodeID(n).Valid(cfg.Nodes) {
			return NewExitError(ExitCommandError, fmt.Sprintf("--down: node %d outside 1..%d", n, cfg.Nodes))
		}
	}

	cfg.Ledger.Path = opts.Ledger
	if cfg.Ledger.Path == "" {
		dir, err := os.MkdirTemp("", "quorum-simulate-*")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create ledger dir", err)
		}
		defer os.RemoveAll(dir)
		cfg.Ledger.Path = filepath.Join(dir, "ledger.db")
	}

	br := openMemoryBroker(cfg, log)
	st, err := openStack(cfg, log, br)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing replica", "error", closeErr)
		}
	}()

	sim := worker.NewSimulator(br, cfg.Nodes, cfg.Broker.Requests, cfg.Broker.Responses, simulatorOptions(opts, cfg.Nodes, log)...)
	returncodes.InstallResponders(sim)
	if err := sim.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to start simulated nodes", err)
	}
	defer sim.Stop()

	sub, err := st.bridge.Listen()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen for completions", err)
	}
	defer sub.Unsubscribe()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.dispatcher.Run(gctx)
	})

	svc := returncodes.NewService(st.dispatcher, st.bridge,
		returncodes.WithTimeout(cfg.Completion.Timeout),
		returncodes.WithLogger(log),
	)
	report := simulate(gctx, svc, opts.Calls, cfg.Nodes)

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "replica error", err)
	}

	if report.Failed > 0 {
		if err := out.Error(CodeCalls, fmt.Sprintf("%d calls failed", report.Failed), report); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d calls failed", report.Failed))
	}
	return out.Success(report)
}

func simulatorOptions(opts *SimulateOptions, nodes int, log *slog.Logger) []worker.Option {
	simOpts := []worker.Option{worker.WithLogger(log)}
	if opts.Delay > 0 {
		step := opts.Delay
		simOpts = append(simOpts, worker.WithDelay(func(node protocol.NodeID, _ broker.Message) time.Duration {
			return time.Duration(nodes-int(node)+1) * step
		}))
	}
	if len(opts.Down) > 0 {
		down := make([]protocol.NodeID, len(opts.Down))
		for i, n := range opts.Down {
			down[i] = protocol.NodeID(n)
		}
		simOpts = append(simOpts, worker.WithDown(down...))
	}
	if opts.Duplicates {
		simOpts = append(simOpts, worker.WithDuplicateReplies())
	}
	return simOpts
}

// simulate runs the choice-code calls concurrently, then mixes one ballot
// box through every node.
func simulate(ctx context.Context, svc *returncodes.Service, calls, nodes int) simulationReport {
	report := simulationReport{
		Nodes: nodes,
		Calls: make([]callReport, calls),
	}

	var g errgroup.Group
	for i := range calls {
		card := fmt.Sprintf("vc-%03d", i+1)
		g.Go(func() error {
			codes, err := svc.ComputeChoiceCodes(ctx, returncodes.PartialChoiceCodesRequest{
				ElectionEventID:       "ee-sim",
				VerificationCardSetID: "vcs-sim",
				VerificationCardID:    card,
				EncryptedVote:         []byte(strings.Repeat(card, 12)),
			})
			r := callReport{Card: card}
			if err != nil {
				r.Error = err.Error()
			} else {
				for _, p := range codes.Partials {
					r.CodesPerNode = append(r.CodesPerNode, len(p))
				}
			}
			report.Calls[i] = r
			return nil
		})
	}
	g.Wait()

	ciphertexts := make([][]byte, 8)
	for i := range ciphertexts {
		ciphertexts[i] = fmt.Appendf(nil, "ballot-%d", i+1)
	}
	results, err := svc.MixDecryptAll(ctx, "ee-sim", "bb-sim", ciphertexts)
	for _, res := range results {
		report.Mix = append(report.Mix, mixReport{
			Node:        int(res.NodeID),
			Ciphertexts: len(res.Ciphertexts),
			ProofBytes:  len(res.Proof),
		})
	}
	if err != nil {
		report.MixError = err.Error()
		report.Failed++
	}

	for _, c := range report.Calls {
		if c.Error != "" {
			report.Failed++
		}
	}
	return report
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
