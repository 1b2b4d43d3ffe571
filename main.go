package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/config"
	"github.com/dnr/craftsync/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "craft",
	Short: "Offline code review with deferred sync",
	Long: `craft keeps a local copy of code review changes so that comments and
reviews can be written without a connection. Everything written offline is
queued and sent to the review server by 'craft sync'.

Typical session:
  craft instance add work --url https://review.example.com
  craft import 12345
  craft comment add 12345 -f main.go -l 10 -m "nit: typo"
  craft review 12345 -l Code-Review=+1 -m "Looks good"
  craft sync`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var (
	flagConfig    string
	flagDB        string
	flagLogLevel  string
	flagLogFormat string
	flagInstance  string
)

// cfg is loaded before any subcommand runs.
var cfg config.Config

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default: "+config.DefaultPath()+")")
	pf.StringVar(&flagDB, "db", "", "Database path (overrides config and CRAFT_DB)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format: text or json")
	pf.StringVarP(&flagInstance, "instance", "i", "", "Instance name or id (default: the active instance)")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = config.Load(flagConfig); err != nil {
		return err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.LogFormat)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
