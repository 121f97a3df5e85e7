package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue subscriptions and agreements once",
		Long: `Run one expiry pass: subscriptions past their expiry are expired along
with their open chains, and agreements past valid_to are expired. A running
node does this on its sweep interval.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			eng, err := openEngine(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Sweep(commandContext(cmd))
			if err != nil {
				return out.Fail("sweep failed", err)
			}
			return out.Print(
				fmt.Sprintf("expired %d subscriptions, %d agreements", res.Subscriptions, res.Agreements),
				map[string]any{"subscriptions": res.Subscriptions, "agreements": res.Agreements},
			)
		},
	}
}
