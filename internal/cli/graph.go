package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/wellspring/internal/store"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Add nodes",
}

var (
	nodeCreator string
	nodePool    string
	nodeRecord  bool
	nodeAspect  string
	nodeDomain  string
	nodeDecay   int64
	nodeMode    string
	nodeExpr    string
)

var nodeAddCmd = &cobra.Command{
	Use:   "add CONTENT",
	Short: "Add a node",
	Long: "Add a text node. With --record CONTENT is a JSON object; with --aspect TYPE " +
		"CONTENT is the aspect name, and --expr/--mode describe a composite aspect.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := nodeContent(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			creator, err := resolveIdentity(s, nodeCreator)
			if err != nil {
				return err
			}
			id, created, err := s.engine.PutNode(ctx, store.Node{Content: content, Creator: creator, Pool: nodePool})
			if err != nil {
				return err
			}
			printWrite(cmd, id, created)
			return nil
		})
	},
}

func nodeContent(arg string) (store.Payload, error) {
	switch {
	case nodeRecord:
		var rec map[string]any
		if err := json.Unmarshal([]byte(arg), &rec); err != nil {
			return store.Payload{}, fmt.Errorf("%w: record must be a JSON object: %v", store.ErrInvalidInput, err)
		}
		return store.RecordPayload(rec), nil
	case nodeAspect != "":
		a := store.Aspect{
			Type:   store.AspectType(nodeAspect),
			Name:   arg,
			Domain: nodeDomain,
			Decay:  nodeDecay,
			Mode:   store.Mode(nodeMode),
		}
		if nodeExpr != "" {
			a.Expression = new(store.Expr)
			if err := json.Unmarshal([]byte(nodeExpr), a.Expression); err != nil {
				return store.Payload{}, fmt.Errorf("%w: expression: %v", store.ErrInvalidInput, err)
			}
		}
		return store.AspectPayload(a), nil
	default:
		return store.TextPayload(arg), nil
	}
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Add edges",
}

var edgeCreator string

var edgeAddCmd = &cobra.Command{
	Use:   "add FROM TO RELATION",
	Short: "Add a typed edge between two nodes",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			creator, err := resolveIdentity(s, edgeCreator)
			if err != nil {
				return err
			}
			id, created, err := s.engine.PutEdge(ctx, store.Edge{From: args[0], To: args[1], Relation: args[2], Creator: creator})
			if err != nil {
				return err
			}
			printWrite(cmd, id, created)
			return nil
		})
	},
}

var relationCmd = &cobra.Command{
	Use:   "relation",
	Short: "Declare and list relation characteristics",
}

var (
	relCreator       string
	relTransitive    bool
	relSymmetric     bool
	relFunctional    bool
	relAntisymmetric bool
	relInverse       string
)

var relationDeclareCmd = &cobra.Command{
	Use:   "declare NAME",
	Short: "Declare a relation; the first declaration of a name wins",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			creator, err := resolveIdentity(s, relCreator)
			if err != nil {
				return err
			}
			created, err := s.engine.DeclareRelation(ctx, store.RelationType{
				Name:          args[0],
				Transitive:    relTransitive,
				Symmetric:     relSymmetric,
				Inverse:       relInverse,
				Functional:    relFunctional,
				Antisymmetric: relAntisymmetric,
				Creator:       creator,
			})
			if err != nil {
				return err
			}
			printWrite(cmd, args[0], created)
			return nil
		})
	},
}

var relationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List declared relations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			return printJSON(cmd.OutOrStdout(), s.engine.View().Relations())
		})
	},
}

var (
	attestBy      string
	attestOn      string
	attestVia     string
	attestWeight  float64
	attestBecause []string
	attestProxy   string
)

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Record a signed belief about a node or edge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			by, err := resolveIdentity(s, attestBy)
			if err != nil {
				return err
			}
			proxy, err := resolveIdentity(s, attestProxy)
			if err != nil {
				return err
			}
			id, created, err := s.engine.AppendAttestation(ctx, store.Attestation{
				By:      by,
				On:      attestOn,
				Via:     attestVia,
				Weight:  attestWeight,
				Because: attestBecause,
				Proxy:   proxy,
			})
			if err != nil {
				return err
			}
			printWrite(cmd, id, created)
			return nil
		})
	},
}

func printWrite(cmd *cobra.Command, id string, created bool) {
	if created {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (exists)\n", id)
}

func init() {
	f := nodeAddCmd.Flags()
	f.StringVar(&nodeCreator, "creator", "", "creating identity (id or local name)")
	f.StringVar(&nodePool, "pool", "", `visibility pool; "local" never leaves this device`)
	f.BoolVar(&nodeRecord, "record", false, "content is a JSON record")
	f.StringVar(&nodeAspect, "aspect", "", "aspect type: "+strings.Join([]string{
		string(store.AspectValue), string(store.AspectPreference), string(store.AspectNeed),
		string(store.AspectMood), string(store.AspectConstraint), string(store.AspectComposite),
	}, ", "))
	f.StringVar(&nodeDomain, "domain", "", "aspect domain")
	f.Int64Var(&nodeDecay, "decay-ms", 0, "aspect weight half-life in milliseconds")
	f.StringVar(&nodeMode, "mode", "", "composite mode: must or prefer")
	f.StringVar(&nodeExpr, "expr", "", "composite expression as JSON")
	nodeAddCmd.MarkFlagRequired("creator")
	nodeCmd.AddCommand(nodeAddCmd)

	edgeAddCmd.Flags().StringVar(&edgeCreator, "creator", "", "creating identity (id or local name)")
	edgeAddCmd.MarkFlagRequired("creator")
	edgeCmd.AddCommand(edgeAddCmd)

	f = relationDeclareCmd.Flags()
	f.StringVar(&relCreator, "creator", "", "declaring identity (id or local name)")
	f.BoolVar(&relTransitive, "transitive", false, "a→b and b→c imply a→c")
	f.BoolVar(&relSymmetric, "symmetric", false, "a→b implies b→a")
	f.BoolVar(&relFunctional, "functional", false, "at most one target per source")
	f.BoolVar(&relAntisymmetric, "antisymmetric", false, "a→b and b→a contradict")
	f.StringVar(&relInverse, "inverse", "", "name of the inverse relation")
	relationDeclareCmd.MarkFlagRequired("creator")
	relationCmd.AddCommand(relationDeclareCmd)
	relationCmd.AddCommand(relationListCmd)

	f = attestCmd.Flags()
	f.StringVar(&attestBy, "by", "", "attesting identity (id or local name)")
	f.StringVar(&attestOn, "on", "", "subject node or edge id")
	f.StringVar(&attestVia, "via", "", "aspect id")
	f.Float64Var(&attestWeight, "weight", 0, "belief in [-1,1]")
	f.StringSliceVar(&attestBecause, "because", nil, "supporting edge ids")
	f.StringVar(&attestProxy, "proxy", "", "signing proxy for a record or external identity")
	for _, name := range []string{"by", "on", "via", "weight"} {
		attestCmd.MarkFlagRequired(name)
	}
}
