package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/agora/internal/market"
)

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <document>",
		Short: "Publish an offer or demand",
		Long: `Publish an offer or demand described by a YAML, JSON or CUE document.

The subscription is matched against every known subscription of the
opposite kind; each match opens a negotiation chain.

Example:
  agora publish --db node.db --node node-a offer.yaml
  agora publish -c agora.yaml demand.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, rootOpts, args[0])
		},
	}
}

func runPublish(cmd *cobra.Command, opts *RootOptions, path string) error {
	out := formatter(cmd, opts)

	doc, err := LoadDocument(path)
	if err != nil {
		return out.Fail("failed to load document", err)
	}
	out.VerboseLog("loaded %s document from %s", doc.Kind, path)

	eng, err := openEngine(cmd, opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	spec, err := doc.Spec(eng.Clock().Now())
	if err != nil {
		return out.Fail("invalid document", err)
	}
	id, err := eng.Publish(commandContext(cmd), spec)
	if err != nil {
		return out.Fail("publish failed", err)
	}

	chains, err := eng.Store().ListChains(commandContext(cmd), id)
	if err != nil {
		return out.Fail("failed to list chains", err)
	}
	return out.Print(
		fmt.Sprintf("published %s %s (%d chains)", spec.Kind, id, len(chains)),
		map[string]any{"id": id, "kind": spec.Kind, "chains": len(chains)},
	)
}

// NewUnsubscribeCommand creates the unsubscribe command.
func NewUnsubscribeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <subscription-id>",
		Short: "Withdraw a published subscription",
		Long: `Withdraw a subscription from matching. Chains already in progress are
not affected.`,
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

			id := market.SubscriptionID(args[0])
			if err := eng.Unsubscribe(commandContext(cmd), id); err != nil {
				return out.Fail("unsubscribe failed", err)
			}
			return out.Print("unsubscribed "+string(id), map[string]any{"id": id})
		},
	}
}
