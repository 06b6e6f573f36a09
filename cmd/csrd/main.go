package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"csrd/internal/access"
	"csrd/internal/adminfeed"
	"csrd/internal/config"
	"csrd/internal/csrlogic"
	"csrd/internal/dispatcher"
	"csrd/internal/engineload"
	"csrd/internal/engineload/testengine"
	"csrd/internal/enginemgmt"
	"csrd/internal/model"
	"csrd/internal/promptclient"
	"csrd/internal/sockserver"
	"csrd/internal/statebus"
	"csrd/internal/store"
	"csrd/internal/telemetry"
	"csrd/internal/urllogic"
	"csrd/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "configs/csrd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting csrd",
		"version", "0.1.0",
		"content_socket", cfg.Sockets.ContentPath,
		"web_socket", cfg.Sockets.WebPath,
		"admin_socket", cfg.Sockets.AdminPath,
	)

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("failed to create storage directory", "error", err, "path", dir)
			os.Exit(1)
		}
	}
	st, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("storage opened", "path", cfg.Storage.Path, "retention_days", cfg.Storage.RetentionDays)

	var bus statebus.Bus
	var redisBus *statebus.RedisBus
	if cfg.StateBus.Addr != "" {
		redisBus = statebus.NewRedisBus(cfg.StateBus.Addr, cfg.StateBus.Password, cfg.StateBus.DB, logger)
		bus = redisBus
		slog.Info("state bus enabled", "addr", cfg.StateBus.Addr)
	} else {
		bus = statebus.Noop{}
	}

	loader := engineload.NewLoader(logger)

	contentEngine, err := openContentEngine(loader, cfg)
	if err != nil {
		slog.Error("failed to load content engine", "error", err)
		os.Exit(1)
	}
	webEngine, err := openWebEngine(loader, cfg)
	if err != nil {
		slog.Error("failed to load web engine", "error", err)
		os.Exit(1)
	}

	contentMgmt := enginemgmt.New(model.EngineContent, contentEngine, st, bus)
	webMgmt := enginemgmt.New(model.EngineWeb, webEngine, st, bus)

	promptClient := promptclient.New(cfg.Sockets.PromptPath)

	pool := workerpool.New(cfg.WorkerPool.MinWorkers, cfg.WorkerPool.MaxWorkers, logger)
	defer pool.Close()

	contentSvc := &csrlogic.Service{
		Engine: contentEngine,
		Mgmt:   contentMgmt,
		Store:  st,
		Prompt: promptClient,
		Stats:  csrlogic.NewPromptStats(),
		Bus:    bus,
		Log:    logger,
	}
	webSvc := &urllogic.Service{
		Engine: webEngine,
		Mgmt:   webMgmt,
		Prompt: promptClient,
		Log:    logger,
	}

	authz := access.NewAuthorizer(cfg.Access.ScanUIDs, cfg.Access.ScanGIDs, cfg.Access.AdminUIDs, cfg.Access.AdminGIDs)

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	st.SetTelemetry(tp)
	disp := dispatcher.New(contentSvc, webSvc, contentMgmt, webMgmt, st, pool, authz, logger, tp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feedServer *http.Server
	if cfg.AdminFeed.Enabled {
		feed := adminfeed.New(logger)
		go func() {
			if err := feed.Run(ctx, bus); err != nil {
				slog.Error("admin feed bus subscription ended", "error", err)
			}
		}()
		feedServer = &http.Server{
			Addr:         cfg.AdminFeed.Listen,
			Handler:      feed,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0,
		}
		go func() {
			slog.Info("admin feed starting", "addr", cfg.AdminFeed.Listen)
			if err := feedServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("admin feed server error", "error", err)
			}
		}()
	}

	srv := sockserver.New(disp, pool, cfg.Sockets.IdleTimeout, logger)
	endpoints := []sockserver.Endpoint{
		{Name: access.EndpointContent, Path: cfg.Sockets.ContentPath},
		{Name: access.EndpointWeb, Path: cfg.Sockets.WebPath},
		{Name: access.EndpointAdmin, Path: cfg.Sockets.AdminPath},
	}

	shutdown := make(chan struct{})
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(endpoints, shutdown); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down csrd")
	close(shutdown)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if feedServer != nil {
		if err := feedServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin feed shutdown error", "error", err)
		}
	}
	if redisBus != nil {
		if err := redisBus.Close(); err != nil {
			slog.Error("state bus close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("csrd stopped")
}

// openContentEngine loads the configured content-screening plugin, or
// falls back to the in-process test engine when no plugin path is
// configured (development / CI mode).
func openContentEngine(loader *engineload.Loader, cfg *config.Config) (engineload.ContentEngine, error) {
	if cfg.Engines.ContentPluginPath == "" {
		slog.Warn("no content engine plugin configured, using test engine")
		return testengine.New(), nil
	}
	eng, err := loader.OpenContentEngine(cfg.Engines.ContentPluginPath)
	if err != nil {
		return nil, err
	}
	if err := eng.GlobalInit(cfg.Engines.ResourceDir, cfg.Engines.WorkDir); err != nil {
		return nil, err
	}
	return eng, nil
}

// openWebEngine loads the configured web-risk plugin, or falls back
// to the in-process test engine.
func openWebEngine(loader *engineload.Loader, cfg *config.Config) (engineload.WebEngine, error) {
	if cfg.Engines.WebPluginPath == "" {
		slog.Warn("no web engine plugin configured, using test engine")
		return testengine.New(), nil
	}
	eng, err := loader.OpenWebEngine(cfg.Engines.WebPluginPath)
	if err != nil {
		return nil, err
	}
	if err := eng.GlobalInit(cfg.Engines.ResourceDir, cfg.Engines.WorkDir); err != nil {
		return nil, err
	}
	return eng, nil
}
