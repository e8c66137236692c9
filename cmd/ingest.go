package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facefinder/internal/extractor"
	"github.com/andresmejia3/facefinder/internal/ingest"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/utils"
	"github.com/andresmejia3/facefinder/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// IngestOptions holds the per-run settings of the ingest command
type IngestOptions struct {
	NthFrame   int
	NumEngines int
	NoWebp     bool
}

var ingestOpts IngestOptions

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index every photo and video in the media root",
	Long: "Extracts face descriptors from every supported file directly under the media root " +
		"and replaces the descriptor store with the result.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		applyFlag(cmd, "nth-frame", &Cfg.NthFrame, ingestOpts.NthFrame)
		applyFlag(cmd, "engines", &Cfg.Engines, ingestOpts.NumEngines)
		if ingestOpts.NoWebp {
			Cfg.IncludeWebp = false
		}
		if err := Cfg.Validate(); err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return reported(1, err)
		}

		if err := video.CheckFFmpeg(); err != nil {
			Logger.Warn("videos will fail to decode", "err", err)
		}

		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", Cfg.Engines)
		enc, closer, err := openEncoder(ctx, Cfg, Logger)
		if err != nil {
			utils.ShowError("Failed to start face encoder", err, nil)
			return reported(1, err)
		}
		defer closer.Close()

		p := ingest.New(extractor.New(enc), Logger)
		p.NthFrame = Cfg.NthFrame
		p.Engines = Cfg.Engines
		p.IncludeWebp = Cfg.IncludeWebp

		return runIngest(ctx, os.Stderr, p, DB, Cfg.MediaRoot)
	},
}

func init() {
	ingestCmd.Flags().IntVarP(&ingestOpts.NthFrame, "nth-frame", "n", 10, "Video sampling interval (inspect every nth frame, starting at frame 0)")
	ingestCmd.Flags().IntVarP(&ingestOpts.NumEngines, "engines", "e", 1, "Number of files processed in parallel")
	ingestCmd.Flags().BoolVar(&ingestOpts.NoWebp, "no-webp", false, "Treat .webp files as unsupported")
	rootCmd.AddCommand(ingestCmd)
}

// runIngest processes the media root and replaces the store wholesale.
func runIngest(ctx context.Context, out io.Writer, p *ingest.Pipeline, s store.Store, root string) error {
	files, err := ingest.List(root)
	if err != nil {
		utils.ShowError("Cannot read media root", err, nil)
		return reported(1, err)
	}
	fmt.Fprintf(out, "📂 Ingesting %d files from %s\n", len(files), root)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("🔍 Extracting faces"),
		progressbar.OptionSetWriter(out), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
	)
	p.OnFile = func(path string, outcome ingest.Outcome) {
		bar.Describe(fmt.Sprintf("🔍 %-24.24s", filepath.Base(path)))
		bar.Add(1)
	}

	report, records, err := p.Run(ctx, root)
	bar.Finish()
	fmt.Fprintln(out)
	if err != nil {
		utils.ShowError("Ingestion aborted", err, nil)
		return reported(1, err)
	}

	for _, path := range report.SkippedFiles {
		fmt.Fprintf(out, "⏭️  %s: unsupported media type\n", filepath.Base(path))
	}
	for _, fe := range report.Errors {
		fmt.Fprintf(out, "⚠️  %s: %v\n", filepath.Base(fe.Path), fe.Err)
	}

	if err := s.Save(ctx, records); err != nil {
		utils.ShowError("Failed to save descriptors", err, nil)
		return reported(1, err)
	}

	fmt.Fprintf(out, "🏁 Ingestion Complete. %d indexed, %d without faces, %d unsupported, %d failed.\n",
		report.Records, report.NoFace, report.Unsupported, report.Failed)
	return nil
}
