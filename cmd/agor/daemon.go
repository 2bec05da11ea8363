package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agor-sh/agor/internal/agents"
	"github.com/agor-sh/agor/internal/bus"
	"github.com/agor-sh/agor/internal/config"
	"github.com/agor-sh/agor/internal/controlplane"
	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/orchestrator"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/token"
	"github.com/agor-sh/agor/internal/userenv"
	"github.com/spf13/cobra"
)

var configPath string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Agor daemon (agord)",
	Long:  `Starts the Agor daemon which provides the HTTP API for session coordination and executor spawning.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default ~/.agor/config.yaml)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Agor daemon...")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromHome()
	}
	if err != nil {
		return err
	}

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	// Initialize components
	detector := agents.NewDetector(cfg.ToolBinaries)
	for _, tool := range detector.Scan() {
		log.Printf("Detected agent tool %s at %s (%s)", tool.Name, tool.Path, tool.Version)
	}

	users, err := userenv.LoadFromFile(cfg.UsersFile)
	if err != nil {
		return err
	}

	tokens := token.NewIssuer()
	eventBus := bus.New()
	launcher := executor.NewLocalLauncher(cfg.ExecutorBinary)

	orch := orchestrator.New(s, eventBus, tokens, launcher, users, detector, orchestrator.Config{
		BaseURL:            cfg.BaseURL,
		StopAckTimeout:     cfg.StopAckTimeout(),
		StopConfirmTimeout: cfg.StopConfirmTimeout(),
		TokenTTL:           cfg.TokenTTL(),
		TokenMaxUses:       cfg.TokenMaxUses,
	})
	defer orch.Close()

	// Repair state left behind by a crashed prior daemon before accepting
	// any new work.
	report, err := orch.RecoverOrphans()
	if err != nil {
		s.Close()
		return err
	}
	if report.TasksStopped > 0 || report.SessionsIdled > 0 || report.SessionsFixed > 0 {
		log.Printf("Orphan sweep: %d tasks stopped, %d sessions idled, %d sessions fixed",
			report.TasksStopped, report.SessionsIdled, report.SessionsFixed)
	}

	server := controlplane.NewServer(orch, s, eventBus, tokens, cfg.Listen)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Waiting for background work...")
	orch.Close()

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
