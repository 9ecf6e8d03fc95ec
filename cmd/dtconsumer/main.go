package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/dtconsumer/internal/agent"
	"github.com/ethpandaops/dtconsumer/internal/native"
	"github.com/ethpandaops/dtconsumer/internal/version"
)

// logFlags override the logging settings of any subcommand.
var logFlags struct {
	level  string
	format string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "dtconsumer",
		Short: "DTrace consumer agent",
		Long: `dtconsumer compiles and runs a D program through libdtrace,
drains its principal buffers and aggregations, and exports probe firings
and aggregation snapshots to ClickHouse or an HTTP endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&logFlags.level, "log-level", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&logFlags.format, "log-format", "text", "log format (text, json)")

	cmd.Flags().StringVar(&cfgFile, "config", "", "path to config file (required)")
	cobra.CheckErr(cmd.MarkFlagRequired("config"))

	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version information",
			Run: func(*cobra.Command, []string) {
				fmt.Println(version.FullWithPlatform())
			},
		},
		statementsCmd(),
		migrateCmd(),
	)

	return cmd
}

// newLogger builds the process logger. --log-level wins over level, and
// an empty result keeps info.
func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()

	switch logFlags.format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", logFlags.format)
	}

	if logFlags.level != "" {
		level = logFlags.level
	}

	if level == "" {
		return log, nil
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	log.SetLevel(lvl)

	return log, nil
}

// run traces until a signal arrives or the traced program exits.
func run(parent context.Context, cfgFile string) error {
	cfg, err := agent.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	eng, err := native.New(log)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	a, err := agent.New(log, cfg, eng)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.WithFields(logrus.Fields{
		"version": version.Full(),
		"output":  cfg.Output,
	}).Info("Starting agent")

	if err := a.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("starting agent: %w", err), a.Stop())
	}

	select {
	case <-ctx.Done():
		log.Info("Signal received, stopping")
	case <-a.Done():
		log.Info("Traced program exited")
	}

	if err := a.Stop(); err != nil {
		return fmt.Errorf("stopping agent: %w", err)
	}

	log.Info("Agent stopped")

	return nil
}
