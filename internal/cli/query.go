package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/store"
	"github.com/lazypower/wellspring/internal/trust"
)

var (
	trustObserver string
	trustPool     string
	trustVia      string
)

var trustCmd = &cobra.Command{
	Use:   "trust SUBJECT",
	Short: "Score a node or edge from an observer's point of view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			observer, err := resolveIdentity(s, trustObserver)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s.engine.Trust(trust.Query{
				Subject:  args[0],
				Observer: observer,
				Pool:     trustPool,
				Via:      trustVia,
			}))
		})
	},
}

var waterlineK int

var waterlineCmd = &cobra.Command{
	Use:   "waterline OBSERVER",
	Short: "Show the observer's most salient nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			observer, err := resolveIdentity(s, args[0])
			if err != nil {
				return err
			}
			v := s.engine.View()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SALIENCE\tHEAT\tTRUST\tNODE\tCONTENT")
			for _, e := range s.engine.Waterline(observer, 0, waterlineK) {
				n, _ := v.Node(e.Node)
				fmt.Fprintf(tw, "%.4f\t%.3f\t%.3f\t%s\t%s\n", e.Salience, e.Heat, e.Trust, keys.Short(e.Node), preview(n))
			}
			return tw.Flush()
		})
	},
}

// preview is a one-line summary of a node's content.
func preview(n store.Node) string {
	c := n.Content
	var s string
	switch c.Kind {
	case store.PayloadText:
		s = c.Text
	case store.PayloadIdentity:
		s = "identity " + c.Identity.Name
	case store.PayloadAspect:
		s = string(c.Aspect.Type) + " " + c.Aspect.Name
	case store.PayloadRef:
		s = c.Ref.URI
	default:
		s = string(c.Kind)
	}
	if r := []rune(s); len(r) > 60 {
		s = string(r[:60]) + "..."
	}
	return s
}

var traverseCmd = &cobra.Command{
	Use:   "traverse OBSERVER NODE...",
	Short: "Record a walked path",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			observer, err := resolveIdentity(s, args[0])
			if err != nil {
				return err
			}
			id, created, err := s.engine.RecordTraversal(ctx, store.Traversal{Observer: observer, Path: args[1:]})
			if err != nil {
				return err
			}
			printWrite(cmd, id, created)
			return nil
		})
	},
}

var rerankContext string

var rerankCmd = &cobra.Command{
	Use:   "rerank OBSERVER CANDIDATE...",
	Short: "Order candidates by path cost from a context node",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			observer, err := resolveIdentity(s, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s.engine.Rerank(observer, rerankContext, args[1:], 0))
		})
	},
}

func init() {
	f := trustCmd.Flags()
	f.StringVar(&trustObserver, "observer", "", "observing identity (id or local name)")
	f.StringVar(&trustPool, "pool", "", "only count attestations by members of this pool")
	f.StringVar(&trustVia, "via", "", "only count attestations through this aspect")
	trustCmd.MarkFlagRequired("observer")

	waterlineCmd.Flags().IntVarP(&waterlineK, "limit", "k", 20, "number of nodes")
	rerankCmd.Flags().StringVar(&rerankContext, "context", "", "context node (default: the observer's working set)")
}
