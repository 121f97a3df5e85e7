package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// PollOptions holds flags for the poll command.
type PollOptions struct {
	*RootOptions
	After   int64
	Timeout time.Duration
	Limit   int
	Ack     bool
}

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PollOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "poll <subscriber>",
		Short: "Read events from a subscriber's feed",
		Long: `Read events addressed to a subscriber, in sequence order.

Without --after the feed resumes after the last acknowledged event. With
--timeout the command waits for new events when none are pending.

Example:
  agora poll node-a --timeout 5s
  agora poll node-a --after 12 --limit 50 --ack`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(cmd, opts, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", -1, "return events after this sequence number (default: last acked)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "how long to wait when no events are pending")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events to return (0 uses the node default)")
	cmd.Flags().BoolVar(&opts.Ack, "ack", false, "acknowledge the returned events")

	return cmd
}

func runPoll(cmd *cobra.Command, opts *PollOptions, subscriber string) error {
	out := formatter(cmd, opts.RootOptions)
	ctx := commandContext(cmd)

	eng, err := openEngine(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer eng.Close()

	after := opts.After
	if after < 0 {
		after, err = eng.Store().AckedSeq(ctx, subscriber)
		if err != nil {
			return out.Fail("failed to read ack position", err)
		}
	}

	events, err := eng.Feed().Poll(ctx, subscriber, after, opts.Timeout, opts.Limit)
	if err != nil {
		return out.Fail("poll failed", err)
	}

	views := make([]eventView, len(events))
	var b strings.Builder
	for i, e := range events {
		views[i] = newEventView(e)
		fmt.Fprintf(&b, "%6d  %-24s", e.Seq, e.Type)
		switch {
		case e.AgreementID != "":
			fmt.Fprintf(&b, " agreement=%s", e.AgreementID)
		case e.ProposalID != "":
			fmt.Fprintf(&b, " chain=%s proposal=%s", e.ChainID, e.ProposalID)
		case e.ChainID != "":
			fmt.Fprintf(&b, " chain=%s", e.ChainID)
		}
		b.WriteByte('\n')
	}

	var acked int64
	if opts.Ack && len(events) > 0 {
		last := events[len(events)-1].Seq
		acked, err = eng.Feed().Ack(ctx, subscriber, last)
		if err != nil {
			return out.Fail("ack failed", err)
		}
		fmt.Fprintf(&b, "acked %d events through %d\n", acked, last)
	}
	if len(events) == 0 {
		b.WriteString("no events\n")
	}

	return out.Print(strings.TrimSuffix(b.String(), "\n"), map[string]any{
		"subscriber": subscriber,
		"events":     views,
		"acked":      acked,
	})
}
