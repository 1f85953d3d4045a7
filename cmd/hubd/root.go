package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hubd",
	Short: "JSON hub protocol server and client",
	Long: `hubd serves a demo Chat hub over TCP and WebSocket using the JSON hub
protocol, and can call hub methods on running servers.

Examples:
  hubd serve --config hubd.toml
  hubd call --addr 127.0.0.1:8888 Chat.Echo '"hello"'
  hubd call --config client.toml --stream Chat.Count 5`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (defaults apply when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
}
