// cmd/hantekd/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rogovsky/openhantek-1/internal/config"
	"github.com/rogovsky/openhantek-1/internal/dso"
	"github.com/rogovsky/openhantek-1/internal/firmware"
	"github.com/rogovsky/openhantek-1/internal/logging"
	"github.com/rogovsky/openhantek-1/internal/server"
	"github.com/rogovsky/openhantek-1/internal/usb"
)

// Application represents the main application
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	server  *http.Server
	usbCtx  *gousb.Context
	service *dso.Service
}

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
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := logging.NewServiceLogger(logger, "hantekd")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	// Initialize components
	if err := app.initializeUSB(); err != nil {
		return nil, fmt.Errorf("failed to initialize usb: %w", err)
	}

	if err := app.initializeService(); err != nil {
		return nil, fmt.Errorf("failed to initialize device service: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeUSB sets up the bus access shared by all device handles
func (app *Application) initializeUSB() error {
	app.usbCtx = gousb.NewContext()
	app.logger.Info("USB context initialized")
	return nil
}

// initializeService creates the device service scanning the bus with
// the configured transfer tuning
func (app *Application) initializeService() error {
	usbConfig := usb.Config{
		Attempts:      app.config.USB.Attempts,
		AttemptsMulti: app.config.USB.AttemptsMulti,
		Timeout:       app.config.USB.Timeout,
		TimeoutMulti:  app.config.USB.TimeoutMulti,
		EndpointOut:   uint8(app.config.USB.EndpointOut),
		EndpointIn:    uint8(app.config.USB.EndpointIn),
	}
	enumerate := func() ([]*usb.Device, error) {
		return usb.FindDevices(app.usbCtx, usbConfig, app.logger)
	}

	app.service = dso.NewService(
		enumerate,
		firmware.NewLoader(app.config.Firmware.Directory, app.logger),
		dso.Config{
			PollInterval:     app.config.Sampling.PollInterval,
			SubscriberBuffer: app.config.Sampling.SubscriberBuffer,
		},
		app.logger,
	)

	app.logger.Info("Device service initialized",
		zap.String("firmware_dir", app.config.Firmware.Directory),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	router := server.NewServer(app.config, app.logger, app.service).SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)
	return nil
}

// Start runs the server and the periodic bus discovery until a shutdown
// signal arrives or one of them fails
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		app.runDiscovery(ctx)
		return nil
	})

	group.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	<-ctx.Done()
	app.shutdown()
	return group.Wait()
}

// runDiscovery rescans the bus periodically so plugged and renumerated
// devices show up without waiting for a client request
func (app *Application) runDiscovery(ctx context.Context) {
	ticker := time.NewTicker(app.config.USB.DiscoveryInterval)
	defer ticker.Stop()

	app.logger.Info("Device discovery started",
		zap.Duration("interval", app.config.USB.DiscoveryInterval),
	)

	for {
		if err := app.service.Refresh(); err != nil {
			app.logger.Error("Bus scan failed", zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := logging.NewServiceLogger(app.logger, "hantekd")
	serviceLogger.LogServiceStop("shutdown signal received")

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Stop acquisition loops and release the devices
	app.service.Close()
	app.logger.Info("Devices released")

	if err := app.usbCtx.Close(); err != nil {
		app.logger.Error("USB context close error", zap.Error(err))
	}

	// Flush logger
	if err := logging.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}

	app.logger.Info("Application shutdown completed")
}
