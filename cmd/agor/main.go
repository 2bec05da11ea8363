package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agor",
	Short: "Agor - AI coding-agent session orchestrator",
	Long:  `Agor orchestrates AI coding-agent sessions across git worktrees: it spawns executor processes, serializes prompts per session, and tracks task lifecycle state.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr string
	asUser  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7420", "API server address")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", defaultUser(), "User identity for requests")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(watchCmd)
}

func defaultUser() string {
	if u := os.Getenv("AGOR_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
