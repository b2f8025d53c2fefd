// Package main is the CLI entry point for MAGI.
//
// The binary runs in two modes: `magi controller` starts the mediator
// process (engine socket, browser UI socket, REST, docker launcher) and
// `magi engine` starts one engine, either the overseer or a single task
// worker when MAGI_TASK is set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "magi",
		Short:        "MAGI - autonomous multi-agent orchestrator",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "magi.yaml",
		"Path to YAML configuration file")

	rootCmd.AddCommand(
		buildControllerCmd(&configPath),
		buildEngineCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("magi %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
