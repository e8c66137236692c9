package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/spf13/cobra"
)

var verifyFix bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every indexed path still exists in the media root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVerify(cmd.Context(), os.Stdout, DB, Cfg.MediaRoot, verifyFix)
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyFix, "fix", false, "Rewrite the store with normalized paths and without missing files")
	rootCmd.AddCommand(verifyCmd)
}

// runVerify exits with status 1 when any stored path is missing, unless fix
// drops those records from the store.
func runVerify(ctx context.Context, out io.Writer, s store.Store, root string, fix bool) error {
	records, err := s.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrDataCorruption) {
			fmt.Fprintln(out, "❌ The descriptor document is corrupt. Re-run `facefinder ingest`.")
		} else {
			utils.ShowError("Failed to load descriptors", err, nil)
		}
		return reported(1, err)
	}

	missing := store.Verify(root, records)
	if len(missing) == 0 {
		if fix {
			// Rewriting upgrades older documents to the current layout.
			if err := s.Save(ctx, records); err != nil {
				utils.ShowError("Failed to rewrite descriptors", err, nil)
				return reported(1, err)
			}
		}
		fmt.Fprintf(out, "✅ All %d indexed files are present.\n", len(records))
		return nil
	}

	for _, p := range missing {
		fmt.Fprintf(out, "missing: %s\n", p)
	}

	if fix {
		gone := make(map[string]bool, len(missing))
		for _, p := range missing {
			gone[p] = true
		}
		kept := records[:0]
		for _, r := range records {
			if !gone[r.Path] {
				kept = append(kept, r)
			}
		}
		if err := s.Save(ctx, kept); err != nil {
			utils.ShowError("Failed to rewrite descriptors", err, nil)
			return reported(1, err)
		}
		fmt.Fprintf(out, "🧹 Removed %d missing files from the store.\n", len(missing))
		return nil
	}
	fmt.Fprintf(out, "❌ %d of %d indexed files are missing from %s\n", len(missing), len(records), root)
	return reported(1, fmt.Errorf("%d indexed files missing", len(missing)))
}
