// Package cmd defines the chatgate command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatgate",
	Short: "Bot lifecycle and message normalization gateway",
	Long: "Chatgate manages chat bots across messaging platforms: it normalizes\n" +
		"inbound webhook events into a common message shape, routes outbound\n" +
		"sends with per-platform rate limits, and monitors adapter health.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
