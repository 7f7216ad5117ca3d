package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphan267/arqut-signal/api"
	"github.com/tphan267/arqut-signal/pkg/config"
	"github.com/tphan267/arqut-signal/pkg/gateway"
	"github.com/tphan267/arqut-signal/pkg/logger"
	"github.com/tphan267/arqut-signal/pkg/management"
	"github.com/tphan267/arqut-signal/pkg/providers"
	"github.com/tphan267/arqut-signal/pkg/relay"
	"github.com/tphan267/arqut-signal/pkg/storage"
)

var version = "dev"

// app holds the wired process: registry, gateway, handlers and management API
type app struct {
	cfg      *config.Config
	logger   *logger.Logger
	store    storage.Storage
	hub      *gateway.Hub
	sender   relay.Sender
	gateway  *gateway.Server
	api      *api.ApiServer
	services *providers.Registry
}

func main() {
	var configFile, logLevel string
	flag.StringVar(&configFile, "config", "config.yaml", "Path to the configuration file")
	flag.StringVar(&logLevel, "loglevel", "", "Set the log level (debug, info, warn, error)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(version, configFile, logLevel)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.NewDefault("SIGNAL")
	appLogger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	appLogger.Info("Starting arqut-signal %s (stage %s)", version, cfg.Stage)

	a, err := newApp(cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.services.StartRunnable(ctx)

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down...")
	case err := <-a.services.Errors():
		appLogger.Error("Server failed: %v", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.services.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Shutdown error: %v", err)
	}

	appLogger.Info("Server exited")
}

// newApp wires every component from cfg and registers the services
func newApp(cfg *config.Config, appLogger *logger.Logger) (*app, error) {
	store, err := storage.NewSQLiteStorage(cfg.DBPath, cfg.TableName, appLogger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: appLogger,
		store:  store,
		hub:    gateway.NewHub(appLogger.With("module", "gateway")),
	}

	// Without an endpoint the handlers post to this process's gateway
	a.sender = a.hub
	if cfg.EndpointURL != "" {
		client, err := management.New(cfg.EndpointURL, cfg.SendTimeout, appLogger.With("module", "management"))
		if err != nil {
			store.Close()
			return nil, err
		}
		a.sender = client
		appLogger.Info("Posting to connections through %s", client.Endpoint())
	}

	handlers := relay.New(store.ConnectionRepo(), a.sender, appLogger.With("module", "relay"), relay.Options{
		ScanPageSize:        cfg.ScanPageSize,
		CleanupOnDisconnect: cfg.CleanupOnDisconnect,
	})

	a.gateway = gateway.NewServer(a.hub, handlers.Routes(), gateway.Options{
		Stage:     cfg.Stage,
		ReadLimit: cfg.ReadLimit,
	}, appLogger.With("module", "gateway"))

	a.api = api.New(cfg.Stage, a.hub, store.ConnectionRepo(), appLogger.With("module", "api"))

	a.services = providers.NewRegistry(appLogger)
	a.services.MustRegister(&storageService{store: store})
	a.services.MustRegister(&gatewayService{
		srv: &http.Server{
			Addr:              cfg.WSAddr,
			Handler:           a.gateway,
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:    a.hub,
		path:   cfg.WSPath(),
		logger: appLogger,
	})
	a.services.MustRegister(&apiService{srv: a.api, addr: cfg.APIAddr})

	return a, nil
}
