package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Discard derived state and replay the log from the start",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			seq, err := s.engine.Rebuild(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt through seq %d\n", seq)
			return nil
		})
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Run one background recompute pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			stats, err := s.engine.Recompute(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

var auditLimit int

var auditCmd = &cobra.Command{
	Use:       "audit [rejected|contradictions|cycles]",
	Short:     "Show rejected writes, contradictions or grounding cycles",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"rejected", "contradictions", "cycles"},
	RunE: func(cmd *cobra.Command, args []string) error {
		what := "rejected"
		if len(args) > 0 {
			what = args[0]
		}
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			var (
				rows any
				err  error
			)
			switch what {
			case "contradictions":
				rows, err = s.db.Contradictions(ctx, auditLimit)
			case "cycles":
				rows, err = s.db.CycleEvents(ctx, auditLimit)
			default:
				rows, err = s.db.RejectedWrites(ctx, auditLimit)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		})
	},
}

func init() {
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "maximum rows")
}
