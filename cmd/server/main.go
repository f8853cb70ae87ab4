package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crmflow-go/internal/server"
	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize server", "error", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go func() {
		if err := srv.Start(runCtx); err != nil {
			log.Fatal("Server error", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server exited")
}
