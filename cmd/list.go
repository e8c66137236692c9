package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all indexed media and their face counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context(), os.Stdout, DB)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, out io.Writer, s store.Store) error {
	records, err := s.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(out, "No media indexed yet.")
		return nil
	}
	if err != nil {
		utils.ShowError("Failed to load descriptors", err, nil)
		return reported(1, err)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No media indexed yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TYPE\tPATH\tFACES")
	fmt.Fprintln(w, "----\t----\t-----")

	var images, videos, faces int
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\n", r.Type, utils.DisplayName(r.Path), len(r.Descriptors))
		faces += len(r.Descriptors)
		if r.Type == types.Video {
			videos++
		} else {
			images++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d images, %d videos, %d faces\n", images, videos, faces)
	return nil
}
