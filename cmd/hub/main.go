package main

import (
	"channel-hub/api"
	"channel-hub/auth"
	"channel-hub/internal"
	"channel-hub/observability"
	"channel-hub/runtime"
	"channel-hub/runtime/workers"
	"channel-hub/services"
	"channel-hub/transport/websocket"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes to provide meaningful status to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hub terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & Logger
	// A missing .env file is fine, the environment may already be set.
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Hub state & supervision
	tenants := runtime.NewTenants(log, config.SendBufferSize, config.MultiTenant)
	sup := workers.NewSupervisor(log, config.RestartInterval)
	orchestrator := runtime.NewOrchestrator(log, sup, tenants, runtime.SweepConfig{
		ConnectionIdle:     config.ConnectionIdleTimeout,
		UserIdle:           config.UserIdleTimeout,
		ConnectionInterval: config.ConnectionGCInterval,
		UserInterval:       config.UserGCInterval,
		HeartbeatInterval:  config.HeartbeatInterval,
	})
	monitor := observability.NewMonitoringManager(log, config.MetricInterval)
	sup.Add(monitor)
	if config.GRPCHealthPort > 0 {
		sup.Add(observability.NewHealthServer(log, config.GRPCHealthPort))
	}

	// 3. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 2)
	go func() {
		log.Info("Starting orchestrator...")
		if err := orchestrator.Start(ctx); err != nil {
			errChan <- fmt.Errorf("orchestrator error: %w", err)
		}
	}()

	// 4. HTTP server
	hub := services.NewHubService(log, tenants, config.ListenDrainWindow)
	server := api.NewServer(
		log, hub,
		auth.NewSigner(config.Secret),
		auth.AdminCredentials{User: config.AdminUser, PasswordHash: config.AdminPasswordHash},
		monitor,
		websocket.NewUpgrader(config.WSReadBuffer, config.WSWriteBuffer, config.AllowCORS),
		api.Options{
			AllowCORS:       config.AllowCORS,
			MultiTenant:     config.MultiTenant,
			WSPingTimeout:   config.WSPingTimeout,
			ListenWakeAfter: config.ListenWakeAfter,
		},
	)
	httpServer := &http.Server{
		Addr:              config.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Starting HTTP server", "address", httpServer.Addr, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// 5. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errChan:
		orchestrator.Stop()
		return exitRuntime, err
	}

	// 6. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	orchestrator.Stop()
	log.Info("Hub stopped cleanly")
	return exitOK, nil
}
