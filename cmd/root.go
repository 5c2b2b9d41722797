package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andresmejia3/pulse/internal/config"
	"github.com/andresmejia3/pulse/internal/logging"
	"github.com/andresmejia3/pulse/internal/publish"
	"github.com/andresmejia3/pulse/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options holds shared configuration for the analyze and serve commands
type Options struct {
	InputPath  string
	Crop       bool
	Zoom       float64
	NumEngines int
	Name       string
}

// needsDB marks commands that cannot run without the archive.
const needsDB = "needs-db"

var (
	// DB is the archive shared by subcommands. It is nil when no database is configured.
	DB *store.Store
	// Logger is the process logger, built in PersistentPreRunE
	Logger *zap.Logger
	// Cfg is the resolved configuration: defaults, then environment, then flags
	Cfg = config.Load()

	dbURL string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "pulse",
	Short:   "Camera heart-rate (rPPG) engine and service",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Logger, err = logging.New(Cfg.LogLevel, Cfg.LogFormat, "pulse")
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}

		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}
		dsn := Cfg.Database.DSN()
		if dsn == "" {
			if cmd.Annotations[needsDB] != "" {
				return errors.New("no database configured: pass --db or set POSTGRES_HOST")
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dsn)
		if err != nil {
			if cmd.Annotations[needsDB] != "" {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			Logger.Warn("Archive unavailable, continuing without it", zap.Error(err))
			DB = nil
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Logger != nil {
			Logger.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newPublisher returns the NATS publisher when a URL is configured.
func newPublisher() (publish.Publisher, error) {
	if Cfg.NATSURL == "" {
		return publish.Nop{}, nil
	}
	return publish.Connect(Cfg.NATSURL, Cfg.NATSPrefix)
}

func uploadDir() string { return filepath.Join(Cfg.DataDir, "uploads") }
func outputDir() string { return filepath.Join(Cfg.DataDir, "output") }

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: built from POSTGRES_* variables)")
	flags.StringVar(&Cfg.DataDir, "data-dir", Cfg.DataDir, "Directory for uploads and overlay videos")
	flags.StringVar(&Cfg.LogLevel, "log-level", Cfg.LogLevel, "Log level: debug, info, warn, error")
	flags.StringVar(&Cfg.LogFormat, "log-format", Cfg.LogFormat, "Log format: json or console")
	flags.StringVar(&Cfg.NATSURL, "nats", Cfg.NATSURL, "NATS URL to publish heart-rate samples to (disabled when empty)")
	flags.StringVar(&Cfg.NATSPrefix, "nats-prefix", Cfg.NATSPrefix, "NATS subject prefix")
	flags.Float64Var(&Cfg.Estimator.WindowSeconds, "window", Cfg.Estimator.WindowSeconds, "Analysis window in seconds")
	flags.Float64Var(&Cfg.Estimator.LowHz, "low-hz", Cfg.Estimator.LowHz, "Lower pass-band edge in Hz")
	flags.Float64Var(&Cfg.Estimator.HighHz, "high-hz", Cfg.Estimator.HighHz, "Upper pass-band edge in Hz")
}
