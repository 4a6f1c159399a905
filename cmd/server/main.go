// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"grbl-service/internal/config"
	"grbl-service/internal/database"
	"grbl-service/internal/discovery"
	serialscan "grbl-service/internal/discovery/serial"
	tcpscan "grbl-service/internal/discovery/tcp"
	"grbl-service/internal/dialect"
	"grbl-service/internal/events"
	"grbl-service/internal/protocol"
	"grbl-service/internal/repository"
	"grbl-service/internal/routes"
	"grbl-service/internal/service"
	"grbl-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	router   *routes.Router
	database *database.DB

	registry    *dialect.Registry
	factory     *protocol.Factory
	journal     repository.JournalRepository
	bus         *events.Bus
	linkService *service.LinkService
	scanners    *discovery.ScannerManager
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML configuration file")
	pflag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "grbl-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg.App)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeDialects(); err != nil {
		return nil, fmt.Errorf("failed to initialize dialects: %w", err)
	}

	if err := app.initializeJournal(); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	app.initializeServices()
	app.initializeServer()

	return app, nil
}

// initializeDialects registers the built-in dialects and any tables found
// in the dialect directory
func (app *Application) initializeDialects() error {
	app.registry = dialect.NewRegistry(app.logger)
	if err := dialect.RegisterDefaults(app.registry); err != nil {
		return err
	}

	if dir := app.config.Link.DialectDir; dir != "" {
		n, err := app.registry.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to load dialect directory %s: %w", dir, err)
		}
		app.logger.Info("Dialect tables loaded", zap.String("dir", dir), zap.Int("count", n))
	}

	if _, err := app.registry.Get(app.config.Link.DefaultDialect); err != nil {
		return fmt.Errorf("default dialect: %w", err)
	}

	app.logger.Info("Dialect registry initialized successfully",
		zap.Int("registered_dialects", len(app.registry.List())),
	)
	return nil
}

// initializeJournal opens the configured command journal
func (app *Application) initializeJournal() error {
	switch app.config.Journal.Driver {
	case config.JournalBolt:
		journal, err := repository.NewBoltJournal(app.config.Journal.BoltPath, app.logger)
		if err != nil {
			return err
		}
		app.journal = journal

	case config.JournalPostgres:
		db, err := database.NewConnection(&app.config.Database, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create database connection: %w", err)
		}
		app.database = db

		if app.config.Database.AutoMigrate {
			if err := database.NewMigrator(db, app.logger).Up(); err != nil {
				db.Close()
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
		}
		app.journal = repository.NewPostgresJournal(db, app.logger)

	default:
		app.journal = repository.NewNopJournal()
	}

	app.logger.Info("Journal initialized successfully", zap.String("driver", app.config.Journal.Driver))
	return nil
}

// initializeServices creates the transport factory, the event bus, the link
// service and the discovery scanners
func (app *Application) initializeServices() {
	serial := app.config.Serial
	opts := protocol.DefaultOptions()
	if serial.DataBits > 0 {
		opts.DataBits = serial.DataBits
	}
	if serial.StopBits > 0 {
		opts.StopBits = serial.StopBits
	}
	if serial.Parity != "" {
		opts.Parity = serial.Parity
	}
	if serial.DialTimeout > 0 {
		opts.DialTimeout = serial.DialTimeout
	}
	if serial.WriteTimeout > 0 {
		opts.WriteTimeout = serial.WriteTimeout
	}
	if app.config.Link.PollInterval > 0 {
		opts.PollInterval = app.config.Link.PollInterval
	}
	app.factory = protocol.NewFactory(opts, app.logger)

	app.bus = events.NewBus(app.config.Link.EventBuffer, app.logger)

	app.linkService = service.NewLinkService(
		&app.config.Link,
		app.registry,
		app.factory.Dial,
		app.journal,
		app.bus,
		app.logger,
	)

	prober := discovery.NewProber(app.factory.Dial, app.registry, app.config.Discovery.ProbeTimeout, app.logger)
	app.scanners = discovery.NewScannerManager(app.logger)
	app.scanners.RegisterScanner(serialscan.NewScanner(prober, nil, &serialscan.Config{
		BaudRates:    app.config.Discovery.BaudRates,
		PortPatterns: app.config.Discovery.PortPatterns,
	}, app.logger))
	app.scanners.RegisterScanner(tcpscan.NewScanner(prober, app.config.Discovery.TCPAddresses, app.logger))

	app.logger.Info("Services initialized successfully")
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	app.router = routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.linkService,
		app.bus,
		app.scanners,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// startBackgroundServices starts the event bus, the link service and the
// journal cleanup
func (app *Application) startBackgroundServices() error {
	go app.bus.Start()

	if err := app.linkService.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start link service: %w", err)
	}

	if app.config.Journal.Driver != config.JournalNone {
		app.linkService.RunJournalCleanup(app.config.Journal.CleanupInterval, app.config.Journal.Retention)
	}

	app.logger.Info("Background services started")
	return nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown(serverErr <-chan error) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		app.shutdown("shutdown signal received")
	case err := <-serverErr:
		app.logger.Error("HTTP server failed", zap.Error(err))
		app.shutdown("http server failed")
	}
}

// shutdown stops the HTTP server first so no new commands arrive, then
// closes the session, the bus and the journal
func (app *Application) shutdown(reason string) {
	serviceLogger := utils.NewServiceLogger(app.logger, "grbl-service")
	serviceLogger.LogServiceStop(reason)

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	app.router.Close()
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	app.linkService.Stop()
	app.bus.Stop()

	if err := app.journal.Close(); err != nil {
		app.logger.Error("Journal close error", zap.Error(err))
	}

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start serves HTTP until a shutdown signal arrives
func (app *Application) Start() error {
	if err := app.startBackgroundServices(); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	app.waitForShutdown(serverErr)
	return nil
}
