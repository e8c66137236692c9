package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facefinder/internal/extractor"
	"github.com/andresmejia3/facefinder/internal/matcher"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/types"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/spf13/cobra"
)

// FindOptions holds the settings of the find command
type FindOptions struct {
	MatchThreshold float64
	JSON           bool
	Explain        bool
}

var findOpts FindOptions

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "List every indexed photo or video showing the person in the query image",
	Long: "Finds the largest face in the query image and lists the stored media containing a face " +
		"closer than the threshold. The image may also be a base64 data URL file. Exits with status 2 " +
		"when the query image has no usable face.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		applyFlag(cmd, "threshold", &Cfg.Threshold, findOpts.MatchThreshold)
		if err := Cfg.Validate(); err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return reported(1, err)
		}
		findOpts.MatchThreshold = Cfg.Threshold
		findOpts.Explain = verbose

		data, err := os.ReadFile(args[0])
		if err != nil {
			utils.ShowError("Failed to read query image", err, nil)
			return reported(1, err)
		}

		// The query is a single image, one engine is enough.
		encCfg := *Cfg
		encCfg.Engines = 1
		fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
		enc, closer, err := openEncoder(ctx, &encCfg, Logger)
		if err != nil {
			utils.ShowError("Failed to start face encoder", err, nil)
			return reported(1, err)
		}
		defer closer.Close()

		return runFind(ctx, os.Stdout, extractor.New(enc), DB, data, findOpts)
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.MatchThreshold, "threshold", "t", matcher.DefaultThreshold, "Face matching threshold (lower is stricter)")
	findCmd.Flags().BoolVar(&findOpts.JSON, "json", false, "Print matches as a JSON array")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, out io.Writer, ex *extractor.Extractor, s store.Store, query []byte, opts FindOptions) error {
	// JSON consumers only ever see JSON on out.
	msgOut := out
	if opts.JSON {
		msgOut = os.Stderr
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	desc, err := ex.ExtractQueryBytes(ctx, query)
	if errors.Is(err, extractor.ErrInvalidQuery) {
		msg := "The query image could not be decoded."
		if errors.Is(err, extractor.ErrNoFace) {
			msg = "No faces detected in the query image."
		}
		fmt.Fprintln(msgOut, "❌", msg)
		return reported(2, err)
	}
	if err != nil {
		utils.ShowError("AI processing failed", err, nil)
		return reported(1, err)
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching descriptors...")
	m := matcher.New(s, opts.MatchThreshold)
	var (
		matches   []types.Match
		explained []matcher.Explanation
	)
	if opts.Explain {
		matches, explained, err = m.FindExplained(ctx, desc)
	} else {
		matches, err = m.Find(ctx, desc)
	}
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(msgOut, "❌ Nothing has been ingested yet. Run `facefinder ingest` first.")
		return reported(1, err)
	}
	if err != nil {
		utils.ShowError("Descriptor search failed", err, nil)
		return reported(1, err)
	}
	for _, e := range explained {
		Logger.Debug("distance", "path", e.Path, "type", e.Type, "distance", e.Distance, "matched", e.Matched)
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "    ")
		return enc.Encode(matches)
	}

	if len(matches) == 0 {
		fmt.Fprintln(out, "❌ No match found.")
		return nil
	}

	fmt.Fprintf(out, "✅ Found %d matching files\n", len(matches))
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nTYPE\tPATH")
	fmt.Fprintln(w, "----\t----")
	for _, match := range matches {
		fmt.Fprintf(w, "%s\t%s\n", match.Type, utils.DisplayName(match.Path))
	}
	return w.Flush()
}
