package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/policyd/control"
)

var runFlags struct {
	watch bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the policy daemon",
	Long: `Start the policy daemon with the specified configuration.

Examples:
  # Start with the default config path
  policyd run

  # Start with a custom config and reload it when it changes
  policyd run --config ./policyd.yaml --watch`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVarP(&runFlags.watch, "watch", "w", false, "reload the configuration when the file changes")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := control.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	log, closer, err := control.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := newDaemon(cfgFile, cfg, log, runFlags.watch)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
