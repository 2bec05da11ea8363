package main

import (
	"github.com/agor-sh/agor/internal/tui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live session monitor",
	Long:  `Opens an interactive terminal view of all sessions, their tasks, and queued prompts, refreshed from the daemon.`,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	return tui.NewWatch(apiAddr).Run()
}
