package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/wellspring/internal/engine"
	"github.com/lazypower/wellspring/internal/keys"
	"github.com/lazypower/wellspring/internal/store"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Create and list identities",
}

var (
	identityKind    string
	identityRole    string
	identityParent  string
	identityFactor  float64
	identityExpires time.Duration
	identityCreator string
	identityPool    string
)

var identityNewCmd = &cobra.Command{
	Use:   "new NAME",
	Short: "Create an identity",
	Long: "Create an identity node. Sovereign and delegated identities get a fresh " +
		"ed25519 key written to the key directory.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			parent, err := resolveIdentity(s, identityParent)
			if err != nil {
				return err
			}
			creator, err := resolveIdentity(s, identityCreator)
			if err != nil {
				return err
			}
			req := engine.NewIdentity{
				Kind:             store.IdentityKind(identityKind),
				Name:             args[0],
				Role:             store.Role(identityRole),
				Parent:           parent,
				DelegationFactor: identityFactor,
				Creator:          creator,
				Pool:             identityPool,
			}
			if identityExpires > 0 {
				req.ExpiresAt = s.engine.Now() + identityExpires.Milliseconds()
			}
			id, err := s.engine.CreateIdentity(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			entries, err := s.engine.Keyring().List()
			if err != nil {
				return err
			}
			local := make(map[string]bool, len(entries))
			for _, e := range entries {
				local[e.Identity] = true
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tROLE\tKEY\tID")
			for _, n := range s.engine.View().Nodes() {
				ident := n.Identity()
				if ident == nil {
					continue
				}
				key := "-"
				if local[n.ID] {
					key = "local"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ident.Name, ident.Kind, orDash(string(ident.Role)), key, keys.Short(n.ID))
			}
			return tw.Flush()
		})
	},
}

var identityRotateCmd = &cobra.Command{
	Use:   "rotate IDENTITY",
	Short: "Move an identity to a fresh key",
	Long: "Create a new key for an identity and hand its standing to it. The old " +
		"key signs nothing dated after the rotation.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			old, err := resolveIdentity(s, args[0])
			if err != nil {
				return err
			}
			id, err := s.engine.RotateKey(ctx, old)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	f := identityNewCmd.Flags()
	f.StringVar(&identityKind, "kind", string(store.Sovereign), "sovereign, delegated, record or external")
	f.StringVar(&identityRole, "role", "", "human or agent")
	f.StringVar(&identityParent, "parent", "", "parent identity of a delegation (id or local name)")
	f.Float64Var(&identityFactor, "factor", 0, "delegation factor in [0,1]; 0 uses the configured default")
	f.DurationVar(&identityExpires, "expires", 0, "delegation lifetime, e.g. 720h")
	f.StringVar(&identityCreator, "creator", "", "creator of a record or external identity")
	f.StringVar(&identityPool, "pool", "", "visibility pool")

	identityCmd.AddCommand(identityNewCmd)
	identityCmd.AddCommand(identityListCmd)
	identityCmd.AddCommand(identityRotateCmd)
}
