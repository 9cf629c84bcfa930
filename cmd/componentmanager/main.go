// Package main runs a component manager instance: it serves load and unload
// requests for its namespace over NATS, launches the processes that back
// components and pipe segments, and advertises its catalog to peer instances.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/config"
	"github.com/c360/semstreams-robotics/health"
	"github.com/c360/semstreams-robotics/launcher"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/natsclient"
	"github.com/c360/semstreams-robotics/pkg/retry"
	"github.com/c360/semstreams-robotics/registrar"
	"github.com/c360/semstreams-robotics/service"
	"github.com/c360/semstreams-robotics/synchronizer"
	"github.com/c360/semstreams-robotics/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semrobotics-manager"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowHelp {
		return nil
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "instance", cfg.Platform.ID)
		return nil
	}

	logger = logger.With("instance", cfg.Platform.ID)
	slog.Info("Starting component manager",
		"version", Version,
		"build_time", BuildTime,
		"org", cfg.Platform.Org,
		"config_layers", cliCfg.ConfigPaths)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	metricsRegistry := metric.NewMetricsRegistry()

	// a restored connection triggers a full catalog advertisement
	reconnected := make(chan struct{}, 1)
	onHealthChange := func(healthy bool) {
		if !healthy {
			return
		}
		select {
		case reconnected <- struct{}{}:
		default:
		}
	}

	natsClient, err := connectToNATS(signalCtx, cfg, metricsRegistry, logger, onHealthChange)
	if err != nil {
		return err
	}
	defer natsClient.Close(context.Background())

	return runManager(signalCtx, cliCfg, cfg, natsClient, reconnected, metricsRegistry, logger)
}

// loadConfig merges the config layers and applies the instance override
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cliCfg.InstanceID != "" {
		cfg.Platform.ID = cliCfg.InstanceID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connectToNATS creates the client and connects with retry
func connectToNATS(
	ctx context.Context,
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
	onHealthChange func(healthy bool),
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + cfg.Platform.ID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metricsRegistry),
		natsclient.WithHealthChangeCallback(onHealthChange),
	}
	if cfg.NATS.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.NATS.PingInterval))
	}
	if cfg.NATS.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout))
	}
	switch {
	case cfg.NATS.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	case cfg.NATS.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	client, err := natsclient.NewClient(cfg.NATS.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", client.URL())
	if err := client.ConnectWithRetry(ctx, retry.Persistent()); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// loadCatalog reads every configured catalog file into the registry
func loadCatalog(cat *catalog.Registry, paths []string) error {
	for _, path := range paths {
		rejected, err := catalog.LoadInto(catalog.FileLoader{}, cat, path)
		if err != nil {
			return fmt.Errorf("load catalog %s: %w", path, err)
		}
		for _, rejectErr := range rejected {
			slog.Warn("Catalog entry rejected", "path", path, "error", rejectErr)
		}
	}
	return nil
}

// openCatalogStore binds the registry to the KV bucket holding dropped-in
// component descriptors.
func openCatalogStore(
	ctx context.Context,
	natsClient *natsclient.Client,
	cat *catalog.Registry,
	bucketName string,
	timeout time.Duration,
	logger *slog.Logger,
) (*catalog.Store, error) {
	bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
		return natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketName,
			Description: "component descriptors by instance",
			History:     1,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog bucket %s: %w", bucketName, err)
	}
	kv := natsClient.NewKVStore(bucket, timeout)
	return catalog.NewStore(kv, cat, logger.With("component", "catalog-store")), nil
}

func runManager(
	ctx context.Context,
	cliCfg *CLIConfig,
	cfg *config.Config,
	natsClient *natsclient.Client,
	reconnected <-chan struct{},
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) error {
	instance := cfg.Platform.ID
	shutdownTimeout := cliCfg.ShutdownTimeout

	cat := catalog.NewRegistry(instance,
		catalog.WithLogger(logger.With("component", "catalog")),
		catalog.WithMetrics(metricsRegistry))
	if err := loadCatalog(cat, cfg.Manager.CatalogPaths); err != nil {
		return err
	}

	var store *catalog.Store
	if cfg.Manager.CatalogBucket != "" {
		var err error
		store, err = openCatalogStore(ctx, natsClient, cat, cfg.Manager.CatalogBucket, cfg.Manager.CallTimeout, logger)
		if err != nil {
			return err
		}
	}

	rpcClient := transport.NewRPCClient(natsClient, logger)
	tracer := registrar.NewCorrelationTracer(logger)

	forwarder := registrar.New(instance, rpcClient,
		registrar.WithLogger(logger),
		registrar.WithMetrics(metricsRegistry),
		registrar.WithTracer(tracer),
		registrar.WithCallTimeout(cfg.Manager.CallTimeout),
		registrar.WithStatusWorkers(cfg.Manager.StatusWorkers))
	if err := forwarder.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize registrar: %w", err)
	}
	defer forwarder.Close()

	server, err := service.NewServer(instance, service.Dependencies{
		Catalog:   cat,
		Launcher:  launcher.NewExec(cfg.Manager.Launch, launcher.DefaultStopGrace, logger),
		Status:    rpcClient,
		Forwarder: forwarder,
		Tracer:    tracer,
		Metrics:   metricsRegistry,
		Logger:    logger,
	}, service.WithHealthCheck(func() error {
		if !natsClient.IsHealthy() {
			return fmt.Errorf("nats %s after %d failures", natsClient.Status(), natsClient.Failures())
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	manager := service.NewManager(logger)
	if err := manager.Register(server); err != nil {
		return err
	}
	manager.AddCheck("nats", func() health.Status {
		if natsClient.IsHealthy() {
			return health.NewHealthy("nats", natsClient.Status().String())
		}
		return health.NewUnhealthy("nats", natsClient.Status().String())
	})

	rpcServer := transport.NewRPCServer(natsClient, instance, server.HandleRPC,
		transport.WithServerLogger(logger),
		transport.WithServerMetrics(metricsRegistry))

	var syncer *synchronizer.Synchronizer
	if cfg.Synchronizer.Enabled {
		syncer = synchronizer.New(instance, cat, transport.NewBroadcast(natsClient, cfg.Synchronizer.Subject),
			synchronizer.WithInterval(cfg.Synchronizer.Interval),
			synchronizer.WithLogger(logger),
			synchronizer.WithMetrics(metricsRegistry))
	}

	var watcher *catalog.Watcher
	if cfg.Manager.WatchCatalog && len(cfg.Manager.CatalogPaths) > 0 {
		watcher = catalog.NewWatcher(cat, catalog.FileLoader{}, cfg.Manager.CatalogPaths, 0, logger)
	}

	reloader := newCatalogReloader(cliCfg, cfg, cat, logger.With("component", "config"))
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var metricsServer *metric.Server
	if cfg.Metrics.Port > 0 {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
	}

	g, gctx := errgroup.WithContext(ctx)
	// components keep running until shutdown unloads them in order
	runCtx := context.WithoutCancel(gctx)

	if err := manager.StartAll(runCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	if err := rpcServer.Start(runCtx); err != nil {
		_ = manager.StopAll(shutdownTimeout)
		return fmt.Errorf("start rpc server: %w", err)
	}
	if watcher != nil {
		if err := watcher.Start(runCtx); err != nil {
			slog.Warn("Catalog watcher unavailable", "error", err)
			watcher = nil
		}
	}
	if syncer != nil {
		if err := syncer.Start(runCtx); err != nil {
			slog.Warn("Catalog synchronization unavailable", "error", err)
			syncer = nil
		}
	}
	if store != nil {
		g.Go(func() error { return store.Watch(gctx) })
	}
	if syncer != nil {
		g.Go(func() error { return readvertiseOnReconnect(gctx, syncer, reconnected) })
	}
	g.Go(func() error { return reloader.run(gctx, hup) })
	if metricsServer != nil {
		g.Go(metricsServer.Start)
		slog.Info("Metrics available", "address", metricsServer.Address())
	}

	slog.Info("Component manager started", "health", manager.Health().Status)

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down", "reason", context.Cause(gctx))
		return shutdown(rpcServer, syncer, watcher, manager, metricsServer, shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("component manager: %w", err)
	}
	slog.Info("Component manager shutdown complete")
	return nil
}

// readvertiseOnReconnect pushes the full catalog whenever the NATS
// connection comes back, since peers may have expired this instance.
func readvertiseOnReconnect(ctx context.Context, syncer *synchronizer.Synchronizer, reconnected <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnected:
			if err := syncer.Readvertise(ctx); err != nil {
				slog.Warn("Catalog advertisement after reconnect failed", "error", err)
			}
		}
	}
}

// shutdown stops intake first so the server can unload everything it holds
func shutdown(
	rpcServer *transport.RPCServer,
	syncer *synchronizer.Synchronizer,
	watcher *catalog.Watcher,
	manager *service.Manager,
	metricsServer *metric.Server,
	timeout time.Duration,
) error {
	var errs []error
	if err := rpcServer.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if syncer != nil {
		if err := syncer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := manager.StopAll(timeout); err != nil {
		slog.Error("Error stopping services", "error", err)
		errs = append(errs, err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
