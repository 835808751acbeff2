// Package cli implements the parley CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/PabloGalante/parley/internal/config"
)

var cfgFile string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Real-time dialogue server and client for AI chat sessions",
	Long: "Parley runs the WebSocket dialogue server that fronts an AI responder,\n" +
		"and the terminal client that talks to it. Sessions survive reconnects;\n" +
		"messages queue while offline and replay in order.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: $PARLEY_CONFIG or ~/.config/parley/config.yaml)")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		exitErr("load config", err)
	}
	return cfg
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
