package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/agora/internal/agreement"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
)

// NewAgreementCommand creates the agreement command group.
func NewAgreementCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agreement",
		Short: "Drive and inspect agreements",
		Long: `Move agreements through their lifecycle:

  proposal --confirm--> pending --approve--> approved --terminate--> terminated
  proposal|pending --cancel--> cancelled
  pending --reject--> rejected

Confirm and cancel belong to the requestor; approve and reject to the
provider; either party may terminate.`,
	}

	cmd.AddCommand(newTransitionCommand(rootOpts, "confirm", "Confirm a proposed agreement", market.RoleRequestor,
		func(ctx context.Context, m *agreement.Manager, id market.AgreementID, by market.Role, arg string) error {
			return m.Confirm(ctx, id, by)
		}))
	cmd.AddCommand(newTransitionCommand(rootOpts, "approve", "Approve a pending agreement", market.RoleProvider,
		func(ctx context.Context, m *agreement.Manager, id market.AgreementID, by market.Role, arg string) error {
			var sig []byte
			if arg != "" {
				sig = []byte(arg)
			}
			return m.Approve(ctx, id, by, sig)
		}))
	cmd.AddCommand(newTransitionCommand(rootOpts, "reject", "Reject a pending agreement", market.RoleProvider,
		func(ctx context.Context, m *agreement.Manager, id market.AgreementID, by market.Role, arg string) error {
			return m.Reject(ctx, id, by, arg)
		}))
	cmd.AddCommand(newTransitionCommand(rootOpts, "cancel", "Cancel an agreement before approval", market.RoleRequestor,
		func(ctx context.Context, m *agreement.Manager, id market.AgreementID, by market.Role, arg string) error {
			return m.Cancel(ctx, id, by, arg)
		}))
	cmd.AddCommand(newTransitionCommand(rootOpts, "terminate", "Terminate an approved agreement", "",
		func(ctx context.Context, m *agreement.Manager, id market.AgreementID, by market.Role, arg string) error {
			return m.Terminate(ctx, id, by, arg)
		}))
	cmd.AddCommand(newShowAgreementCommand(rootOpts))
	cmd.AddCommand(newListAgreementsCommand(rootOpts))

	return cmd
}

type transitionFunc func(ctx context.Context, m *agreement.Manager, id market.AgreementID, by market.Role, arg string) error

// newTransitionCommand builds one lifecycle subcommand. A non-empty role
// fixes the actor; otherwise --by is required. arg carries the signature for
// approve and the reason for everything else.
func newTransitionCommand(rootOpts *RootOptions, name, short string, role market.Role, apply transitionFunc) *cobra.Command {
	var by, reason, signature string

	cmd := &cobra.Command{
		Use:           name + " <agreement>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			actor := role
			if actor == "" {
				var err error
				if actor, err = parseRole(by); err != nil {
					return err
				}
			}
			arg := reason
			if name == "approve" {
				arg = signature
			}

			eng, err := openEngine(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := commandContext(cmd)
			id := market.AgreementID(args[0])
			if err := apply(ctx, eng.Agreements(), id, actor, arg); err != nil {
				return out.Fail(name+" failed", err)
			}
			a, err := eng.Agreements().Agreement(ctx, id)
			if err != nil {
				return out.Fail("failed to read agreement", err)
			}
			return out.Print(
				fmt.Sprintf("agreement %s is %s", a.ID, a.State),
				map[string]any{"id": a.ID, "state": a.State},
			)
		},
	}

	switch {
	case name == "approve":
		cmd.Flags().StringVar(&signature, "signature", "", "provider signature over the agreement")
	case name != "confirm":
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the agreement")
	}
	if role == "" {
		cmd.Flags().StringVar(&by, "by", "", "acting role (provider|requestor)")
		_ = cmd.MarkFlagRequired("by")
	}
	return cmd
}

func newShowAgreementCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <agreement>",
		Short:         "Show an agreement",
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

			a, err := eng.Agreements().Agreement(commandContext(cmd), market.AgreementID(args[0]))
			if err != nil {
				return out.Fail("failed to read agreement", err)
			}
			v := newAgreementView(a)
			return out.Print(v.text(), v)
		},
	}
}

func newListAgreementsCommand(rootOpts *RootOptions) *cobra.Command {
	var party, state string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List agreements",
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

			list, err := eng.Agreements().List(commandContext(cmd), store.AgreementFilter{
				Node:  market.NodeID(party),
				State: market.AgreementState(state),
			})
			if err != nil {
				return out.Fail("failed to list agreements", err)
			}

			views := make([]agreementView, len(list))
			var b strings.Builder
			for i, a := range list {
				views[i] = newAgreementView(a)
				fmt.Fprintf(&b, "%s  %-10s provider=%s requestor=%s\n", a.ID, a.State, a.ProviderID, a.RequestorID)
			}
			if len(list) == 0 {
				b.WriteString("no agreements\n")
			}
			return out.Print(strings.TrimSuffix(b.String(), "\n"), map[string]any{"agreements": views})
		},
	}

	cmd.Flags().StringVar(&party, "party", "", "only agreements where this node is a party")
	cmd.Flags().StringVar(&state, "state", "", "only agreements in this state")

	return cmd
}
