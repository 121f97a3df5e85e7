package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/negotiation"
)

// NewNegotiateCommand creates the negotiate command group.
func NewNegotiateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "negotiate",
		Short: "Counter, reject or promote proposals",
		Long: `Work on negotiation chains. Every operation names the chain's current
tip proposal; acting on an older proposal fails with STALE_PROPOSAL.`,
	}
	cmd.AddCommand(newCounterCommand(rootOpts))
	cmd.AddCommand(newRejectProposalCommand(rootOpts))
	cmd.AddCommand(newPromoteCommand(rootOpts))
	cmd.AddCommand(newHistoryCommand(rootOpts))
	return cmd
}

// parseRole validates a --by flag.
func parseRole(s string) (market.Role, error) {
	r := market.Role(s)
	if !r.Valid() {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("--by must be %q or %q, got %q", market.RoleProvider, market.RoleRequestor, s))
	}
	return r, nil
}

func newCounterCommand(rootOpts *RootOptions) *cobra.Command {
	var by, terms string

	cmd := &cobra.Command{
		Use:   "counter <tip-proposal>",
		Short: "Answer the tip proposal with new terms",
		Long: `Counter the tip proposal with the properties and constraints of a
document. The document's kind and expires_in are ignored.

Example:
  agora negotiate counter 7f3a... --by requestor --terms counter.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			role, err := parseRole(by)
			if err != nil {
				return err
			}
			doc, err := LoadDocument(terms)
			if err != nil {
				return out.Fail("failed to load terms", err)
			}
			properties, err := doc.PropertySet()
			if err != nil {
				return out.Fail("invalid terms", err)
			}

			eng, err := openEngine(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer eng.Close()

			tip := market.ProposalID(args[0])
			id, err := eng.Negotiator().Counter(commandContext(cmd), tip, properties, doc.Constraints, role)
			if err != nil {
				return out.Fail("counter failed", err)
			}
			return out.Print(
				fmt.Sprintf("countered %s with %s", tip, id),
				map[string]any{"tip": tip, "proposal_id": id},
			)
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "acting role (provider|requestor)")
	cmd.Flags().StringVar(&terms, "terms", "", "document with the counter's properties and constraints")
	_ = cmd.MarkFlagRequired("by")
	_ = cmd.MarkFlagRequired("terms")

	return cmd
}

func newRejectProposalCommand(rootOpts *RootOptions) *cobra.Command {
	var by, reason string

	cmd := &cobra.Command{
		Use:           "reject <tip-proposal>",
		Short:         "Reject the tip proposal and close its chain",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			role, err := parseRole(by)
			if err != nil {
				return err
			}

			eng, err := openEngine(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer eng.Close()

			tip := market.ProposalID(args[0])
			if err := eng.Negotiator().Reject(commandContext(cmd), tip, role, reason); err != nil {
				return out.Fail("reject failed", err)
			}
			return out.Print("rejected "+string(tip), map[string]any{"tip": tip, "reason": reason})
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "acting role (provider|requestor)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason passed to the other party")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func newPromoteCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		validFor  time.Duration
		signature string
	)

	cmd := &cobra.Command{
		Use:   "promote <tip-proposal>",
		Short: "Turn a strongly matched tip into an agreement",
		Long: `Promote the tip proposal into an agreement. Only the requestor can
promote, and only when the tip is a strong match.

Example:
  agora negotiate promote 7f3a... --valid-for 2h`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			if validFor < 0 {
				return NewExitError(ExitCommandError, "--valid-for must not be negative")
			}

			eng, err := openEngine(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer eng.Close()

			params := negotiation.PromoteParams{}
			if validFor > 0 {
				params.ValidTo = eng.Clock().Now().Add(validFor)
			}
			if signature != "" {
				params.ProposedSignature = []byte(signature)
			}

			tip := market.ProposalID(args[0])
			id, err := eng.Negotiator().Promote(commandContext(cmd), tip, market.RoleRequestor, params)
			if err != nil {
				return out.Fail("promote failed", err)
			}
			return out.Print(
				fmt.Sprintf("promoted %s to agreement %s", tip, id),
				map[string]any{"tip": tip, "agreement_id": id},
			)
		},
	}

	cmd.Flags().DurationVar(&validFor, "valid-for", 0, "agreement lifetime (0 uses the node default)")
	cmd.Flags().StringVar(&signature, "signature", "", "requestor signature over the agreement")

	return cmd
}

func newHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "history <chain>",
		Short:         "Show a chain's proposals, oldest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			eng, err := openEngine(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := commandContext(cmd)
			id := market.ChainID(args[0])
			chain, err := eng.Negotiator().Chain(ctx, id)
			if err != nil {
				return out.Fail("failed to read chain", err)
			}
			history, err := eng.Negotiator().History(ctx, id)
			if err != nil {
				return out.Fail("failed to read history", err)
			}

			views := make([]proposalView, len(history))
			var b strings.Builder
			fmt.Fprintf(&b, "chain %s  %s  tip=%s\n", chain.ID, chain.State, chain.TipID)
			for i, p := range history {
				views[i] = newProposalView(p)
				fmt.Fprintf(&b, "  %s  %-10s %-9s %-26s %s\n", p.ID, p.Issuer, p.State, p.MatchKind, p.Properties)
			}
			return out.Print(strings.TrimSuffix(b.String(), "\n"), map[string]any{
				"chain_id":  chain.ID,
				"state":     chain.State,
				"tip":       chain.TipID,
				"proposals": views,
			})
		},
	}
}
