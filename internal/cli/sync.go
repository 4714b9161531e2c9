package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/wellspring/internal/replication"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Exchange graph content with another device through files",
}

var (
	syncPeer    string
	syncSummary string
	syncOut     string
)

var syncSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Write a bloom summary of this store for a peer to answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			return writeTo(cmd, syncOut, func(w io.Writer) error {
				return json.NewEncoder(w).Encode(s.engine.Summary())
			})
		})
	},
}

var syncExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write what a peer may receive, as JSON lines",
	Long: "Write every item the peer may receive. With --summary only the items missing " +
		"from the peer's summary are written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			summary := replication.EmptySummary()
			if syncSummary != "" {
				data, err := os.ReadFile(syncSummary)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &summary); err != nil {
					return fmt.Errorf("read summary %s: %w", syncSummary, err)
				}
			}
			b, stats := s.engine.Missing(summary, syncPeer)
			fmt.Fprintf(cmd.ErrOrStderr(), "exporting %d items (%d local, %d pool-restricted withheld)\n",
				len(b.Items), stats.FilteredLocal, stats.FilteredPool)
			return writeTo(cmd, syncOut, func(w io.Writer) error {
				return replication.Encode(w, b)
			})
		})
	},
}

var syncImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Merge a bundle written by sync export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		b, err := replication.Decode(f)
		if err != nil {
			return fmt.Errorf("read bundle %s: %w", args[0], err)
		}
		return withEngine(cmd, func(ctx context.Context, s *session) error {
			stats, err := s.engine.Merge(ctx, b, syncPeer)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

// writeTo writes to the named file, or to stdout when path is empty or "-".
func writeTo(cmd *cobra.Command, path string, fn func(io.Writer) error) error {
	if path == "" || path == "-" {
		return fn(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncPeer, "peer", "", "identity of the other device")
	syncSummaryCmd.Flags().StringVarP(&syncOut, "output", "o", "", "output file (default stdout)")
	syncExportCmd.Flags().StringVarP(&syncOut, "output", "o", "", "output file (default stdout)")
	syncExportCmd.Flags().StringVar(&syncSummary, "summary", "", "peer summary written by sync summary")

	syncCmd.AddCommand(syncSummaryCmd)
	syncCmd.AddCommand(syncExportCmd)
	syncCmd.AddCommand(syncImportCmd)
}
