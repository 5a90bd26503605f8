// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "validator-service/docs"
	"validator-service/internal/config"
	"validator-service/internal/device"
	"validator-service/internal/routes"
	"validator-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	server  *http.Server
	manager *device.Manager

	sessionCtx    context.Context
	sessionCancel context.CancelFunc
}

// @title Validator Service API
// @version 1.0.0
// @description Reference server for SSP bill validators: session management, encrypted command gateway and real-time event streaming
// @termsOfService http://swagger.io/terms/

// @contact.name Validator Service API Support
// @contact.email support@validatorservice.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8085
// @BasePath /api/v1
func main() {
	// Initialize application
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Start the application
	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create service logger
	serviceLogger := utils.NewServiceLogger(logger, "validator-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}
	app.sessionCtx, app.sessionCancel = context.WithCancel(context.Background())

	// Initialize components
	if err := app.initializeDeviceManager(); err != nil {
		return nil, fmt.Errorf("failed to initialize device manager: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeDeviceManager builds the device manager and launches one session
// per configured validator.
func (app *Application) initializeDeviceManager() error {
	app.manager = device.NewManager(app.logger)

	configs := make([]device.Config, 0, len(app.config.Devices))
	for _, dev := range app.config.Devices {
		configs = append(configs, device.Config{
			DeviceID:             dev.ID,
			Port:                 dev.Port,
			Mock:                 dev.Mock,
			PollInterval:         dev.PollInterval,
			ResponseTimeout:      dev.ResponseTimeout,
			MaxRetries:           dev.MaxRetries,
			RetryBackoff:         dev.RetryBackoff,
			OfflineProbeInterval: dev.OfflineProbeInterval,
			EncryptionRequired:   dev.EncryptionRequired,
			Inhibits:             dev.Inhibits,
			ProtocolVersion:      dev.ProtocolVersion,
		})
	}

	if err := app.manager.Start(app.sessionCtx, configs); err != nil {
		return err
	}

	app.logger.Info("Device manager initialized",
		zap.Int("devices", len(configs)),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	// Create router
	routerManager := routes.NewRouter(app.config, app.logger, app.manager)

	// Setup router with all routes
	router := routerManager.SetupRouter()

	// Create HTTP server
	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)

	return nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	// Create channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal
	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Perform graceful shutdown
	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "validator-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server first so no new commands arrive
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Stop device sessions; queued commands are failed, not silently lost
	if err := app.manager.Stop(ctx); err != nil {
		app.logger.Error("Device manager shutdown error", zap.Error(err))
	} else {
		app.logger.Info("Device sessions stopped")
	}
	app.sessionCancel()

	// Flush logger
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

func (app *Application) Start() error {
	// Start server in goroutine
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	app.waitForShutdown()

	return nil
}
