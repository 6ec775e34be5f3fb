package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/momentics/policyd/control"
	"github.com/momentics/policyd/plugins"
)

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file",
	Long: `Load the configuration file with environment overrides, validate it and
make sure every configured plugin exists. Nothing is started.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := control.LoadConfigWithEnvOverrides(cfgFile)
		if err != nil {
			return err
		}
		if err := checkPlugins(cfg); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "configuration %s is valid\n", cfgFile)
		for _, l := range cfg.Listen {
			fmt.Fprintf(out, "  listen    %s %s\n", l.Network, l.Address())
		}
		fmt.Fprintf(out, "  backend   %s\n", cfg.Backend())
		fmt.Fprintf(out, "  default   %s\n", cfg.DefaultVerdict)
		fmt.Fprintf(out, "  workers   %d (max %d)\n", cfg.WorkerPool.Threads, cfg.WorkerPool.MaxLimit)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func checkPlugins(cfg *control.Config) error {
	names := make([]string, 0, len(cfg.Plugins))
	for n := range cfg.Plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, ok := plugins.Lookup(n); !ok {
			return fmt.Errorf("%w: %q (available: %v)", plugins.ErrUnknownPlugin, n, plugins.Names())
		}
		if _, err := plugins.ParseSection(cfg.Plugins[n]); err != nil {
			return fmt.Errorf("plugin %s: %w", n, err)
		}
	}
	return nil
}
