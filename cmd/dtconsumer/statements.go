package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/dtconsumer/internal/agent"
	"github.com/ethpandaops/dtconsumer/internal/native"
	"github.com/ethpandaops/dtconsumer/internal/tracer"
)

func statementsCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "statements",
		Short: "Compile the configured program and list its statements",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agent.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			flags, err := cfg.Engine.Flags()
			if err != nil {
				return err
			}

			eng, err := native.New(log)
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}

			stmts, err := tracer.Statements(log, cfg.Tracer, eng, flags)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tPROBE\tACTIONS")

			for _, s := range stmts {
				fmt.Fprintf(w, "%d\t%s\t%d\n", s.Index, s.Probe, s.Actions)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&path, "config", "", "path to config file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
