package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facefinder/internal/config"
	"github.com/andresmejia3/facefinder/internal/extractor"
	"github.com/andresmejia3/facefinder/internal/faceapi"
	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/store/postgres"
	"github.com/andresmejia3/facefinder/internal/worker"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// DB is the descriptor store shared by subcommands
	DB store.Store
	// Logger writes structured diagnostics to stderr
	Logger *slog.Logger

	configPath string
	verbose    bool
	flagRoot   string
	flagStore  string
	flagDB     string
	flagEnc    string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "facefinder",
	Short:         "Index faces in a photo and video library and find a person by photo",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env never overrides variables already set in the environment
		_ = godotenv.Load()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlag(cmd, "root", &cfg.MediaRoot, flagRoot)
		applyFlag(cmd, "store", &cfg.StorePath, flagStore)
		applyFlag(cmd, "db", &cfg.DatabaseURL, flagDB)
		applyFlag(cmd, "encoder", &cfg.Encoder, flagEnc)
		Cfg = cfg
		Logger = newLogger(os.Stderr, verbose)

		// Commands validate after their own flags are applied.
		DB, err = openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to open descriptor store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if pg, ok := DB.(*postgres.Store); ok {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			pg.Close(context.Background())
		}
	},
}

// exitError carries a process exit status for failures that were already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func reported(code int, err error) error {
	return &exitError{code: code, err: err}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		stop()
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	stop()
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "Media root directory (default \"Media/Photos and Videos\")")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "Descriptor document path (default \"Media/Embeddings.json\")")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "PostgreSQL connection string; replaces the JSON document when set")
	rootCmd.PersistentFlags().StringVar(&flagEnc, "encoder", "", "Face encoder backend: python or http")
}

// applyFlag overrides a config value only when the flag was given explicitly.
func applyFlag[T any](cmd *cobra.Command, name string, dst *T, v T) {
	if cmd.Flags().Changed(name) {
		*dst = v
	}
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return postgres.New(ctx, cfg.DatabaseURL)
	}
	return store.NewJSONStore(cfg.StorePath), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openEncoder starts the configured face encoder. The returned closer stops
// any worker processes.
func openEncoder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (extractor.Encoder, io.Closer, error) {
	switch cfg.Encoder {
	case config.EncoderHTTP:
		return faceapi.NewClient(cfg.EmbeddingURL, cfg.WorkerTimeout), nopCloser{}, nil
	case config.EncoderPython:
		pool, err := worker.NewPythonPool(ctx, cfg.Engines, worker.Config{
			Python:      cfg.Python,
			Script:      cfg.WorkerScript,
			ReadTimeout: cfg.WorkerTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool, nil
	}
	return nil, nil, fmt.Errorf("unknown encoder %q", cfg.Encoder)
}
