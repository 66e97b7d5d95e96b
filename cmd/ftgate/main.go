package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nearforge/ftgate/config"
	"github.com/nearforge/ftgate/log"
	"github.com/nearforge/ftgate/service"
)

// Services holds all the running services
type Services struct {
	Gateway *service.Gateway
	API     *service.APIService
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.LogLevel, cfg.LogOutput, nil)
	log.Infow("starting ftgate", "version", Version)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services, cfg.DrainTimeout())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	// Start the gateway: chain checks, key registration, dispatch pipeline
	log.Infow("starting gateway",
		"network", cfg.NetworkID,
		"account", cfg.MasterAccountID,
		"contract", cfg.ContractID)
	gw, err := service.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	services.Gateway = gw
	if err := gw.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start gateway: %w", err)
	}

	// Start API service
	log.Infow("starting API service", "host", cfg.ListenHost, "port", cfg.ListenPort)
	services.API = service.NewAPI(gw, cfg.ListenHost, cfg.ListenPort, cfg.QueueConcurrency, false)
	if err := services.API.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Info("ftgate is running, ready to dispatch transfers!")
	return services, nil
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services, drainTimeout time.Duration) {
	if services == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	// Stop services in reverse order of startup
	if services.API != nil {
		if err := services.API.Stop(ctx); err != nil {
			log.Warnw("API shutdown incomplete", "error", err.Error())
		}
	}
	if services.Gateway != nil {
		if err := services.Gateway.Shutdown(ctx); err != nil {
			log.Warnw("gateway drain incomplete", "error", err.Error())
		}
	}
}
