package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "policyd",
	Short: "policyd - Postfix policy delegation daemon",
	Long: `policyd answers Postfix access policy delegation requests.

Postfix connects over TCP or a local socket, sends one request per
message as name=value lines and receives an action such as DUNNO,
REJECT or DEFER_IF_PERMIT. Decisions are made by a pipeline of
plugins configured in the YAML file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/policyd/policyd.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "force debug logging")
}
