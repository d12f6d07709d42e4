package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Afsalkalladi/platformioemlock/internal/api"
	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the door-lock API server",
	Long:  `Launches the HTTP server for the dashboard, quick unlock and command polling, plus the optional MQTT bridge.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing door-lock service...")

	// --- Infrastructure Setup ---
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	repo := core.NewRepository(db.DB)

	commands, closeCommands, err := newCommandService(repo)
	if err != nil {
		return err
	}
	defer closeCommands()

	// --- Service Layer Setup ---
	services := &core.ServiceRegistry{
		Commands: commands,
		Reads:    core.NewReadService(repo, logger, cfg.Presence, cfg.Commands),
		Ingest:   core.NewIngestService(commands, repo, logger),
		Poller:   core.NewCommandPoller(commands, logger, cfg.Commands),
	}

	if cfg.MQTT.BrokerURL != "" {
		logger.Info("Connecting to MQTT broker...")
		bridge, err := startBridge(commands, services.Ingest)
		if err != nil {
			logger.WithError(err).Warn("MQTT bridge unavailable, devices will rely on polling")
		} else {
			defer bridge.Stop()
		}
	}

	// --- API Layer Setup ---
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handlers := api.NewAPIHandlers(services, cfg.Commands.MaxWaitTimeout)
	api.SetupRoutes(router, handlers, cfg.Unlock.Token, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Door-lock API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownChan:
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Door-lock service shutdown complete")
	return nil
}
