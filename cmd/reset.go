package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/store/postgres"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the descriptor store",
	Long:  "Removes every indexed record. With a database configured the tables are dropped and recreated.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runReset(cmd.Context(), os.Stdin, os.Stdout, DB, resetYes)
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runReset(ctx context.Context, in io.Reader, out io.Writer, s store.Store, yes bool) error {
	if !yes && !confirm(bufio.NewReader(in), out, "⚠️  Are you sure you want to delete all indexed descriptors?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	fmt.Fprintln(out, "🗑️  Clearing descriptors...")
	var err error
	if pg, ok := s.(*postgres.Store); ok {
		err = pg.Reset(ctx)
	} else {
		err = s.Save(ctx, nil)
	}
	if err != nil {
		utils.ShowError("Failed to reset descriptor store", err, nil)
		return reported(1, err)
	}

	fmt.Fprintln(out, "✨ Reset Complete.")
	return nil
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
