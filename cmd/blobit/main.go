// blobit is the segment-backed blob object store daemon and admin tool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rkosegi/blobit/internal/config"
	"github.com/rkosegi/blobit/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Set by the service manager, see svc.ServiceConfig.Arguments.
	serviceRun bool
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blobit",
		Short: "blobit - segment-backed blob object store",
		Long: `blobit stores opaque payloads in append-only per-bucket segments and
hands back a self-describing object id for each one.

QUICK START:

  # Run the daemon (periodic GC, cleanup and a metrics endpoint):
  blobit serve --config /etc/blobit/blobit.yaml

  # Manage buckets and objects against the same data directory:
  blobit bucket create photos --compression zstd
  blobit put photos ./cat.jpg
  blobit get photos <object-id> -o cat.jpg
  blobit delete photos <object-id>
  blobit gc photos

For more help on any command, use: blobit <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: "+svc.DefaultConfigPath()+" if present)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides log_level from the config file)")
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newBucketCmd())
	rootCmd.AddCommand(newObjectCmds()...)
	rootCmd.AddCommand(newGCCmd(), newCleanupCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "blobit %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	})

	return rootCmd
}

// loadConfig loads path, the platform default path when it exists, or the
// built-in defaults, then applies the --log-level override.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(svc.DefaultConfigPath()); err == nil {
			path = svc.DefaultConfigPath()
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// withApp loads the config, opens the stores and runs fn against them.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, log.Logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close stores")
		}
	}()
	return fn(ctx, a)
}

func setupLogging(level string, out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
}
