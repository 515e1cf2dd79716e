package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/sentinel/internal/config"
	applog "github.com/sawpanic/sentinel/internal/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "config/sentinel.yaml", "Path to the YAML configuration")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	fs.StringVar(&g.logFormat, "log-format", "", "Log format override (auto|console|json)")
}

// load reads configuration and configures logging.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if err := applog.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Procurement decision pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Sentinel turns commodity market updates into per-country procurement
decisions (BUY, WAIT or HOLD).

  dispatch   fan market updates out to per-country prediction tasks
  worker     consume tasks: predict, simulate risk, optimize, persist
  reconcile  keep country, region and global forecasts coherent
  monitor    serve the read-only HTTP API
  migrate    apply the Postgres schema
  publish    enqueue one market update`,
	}
	flags.register(root.PersistentFlags())

	root.AddCommand(
		newDispatchCmd(flags),
		newWorkerCmd(flags),
		newReconcileCmd(flags),
		newMonitorCmd(flags),
		newMigrateCmd(flags),
		newPublishCmd(flags),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
