package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/account"
	"github.com/clove-proxy/clove/internal/api"
	"github.com/clove-proxy/clove/internal/cache"
	"github.com/clove-proxy/clove/internal/config"
	"github.com/clove-proxy/clove/internal/httpclient"
	"github.com/clove-proxy/clove/internal/logging"
	"github.com/clove-proxy/clove/internal/messages"
	"github.com/clove-proxy/clove/internal/oauth"
	"github.com/clove-proxy/clove/internal/pipeline"
	"github.com/clove-proxy/clove/internal/session"
	"github.com/clove-proxy/clove/internal/stats"
	"github.com/clove-proxy/clove/internal/toolcall"
	"github.com/clove-proxy/clove/internal/watcher"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.Parse()

	logging.Setup()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logging.SetDebug(cfg.Debug)
	if err = logging.ConfigureOutput(cfg.LogToFile, cfg.LogFilePath); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	log.Info("starting Clove...")

	if !cfg.NoFilesystemMode {
		if err = os.MkdirAll(cfg.DataFolder, 0o755); err != nil {
			log.Fatalf("failed to create data folder: %v", err)
		}
	}

	store := config.NewStore(cfg, configPath)
	transport := httpclient.New(cfg)
	authenticator := oauth.NewAuthenticator(cfg, transport)
	pool := account.NewManager(cfg, authenticator)
	sessions := session.NewManager(cfg, pool, transport)
	cacheRegistry := cache.NewRegistry(cfg)
	toolCalls := toolcall.NewRegistry(cfg)
	merger := messages.NewMerger(cfg, transport)

	statsStore := stats.NewDisabled()
	if !cfg.NoFilesystemMode {
		statsStore, err = stats.Open(filepath.Join(cfg.DataFolder, "statistics.db"))
		if err != nil {
			log.Warnf("statistics disabled: %v", err)
			statsStore = stats.NewDisabled()
		}
	}

	pipe := pipeline.NewDefault(pipeline.Deps{
		Config:    cfg,
		Pool:      pool,
		Transport: transport,
		Sessions:  sessions,
		Cache:     cacheRegistry,
		ToolCalls: toolCalls,
		Merger:    merger,
	})
	server := api.NewServer(store, pool, authenticator, sessions, pipe, statsStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Load()
	for _, cookie := range cfg.Cookies {
		if _, errAdd := pool.Add(ctx, account.AddOptions{Cookie: cookie}); errAdd != nil {
			log.Warnf("failed to seed account from configured cookie: %v", errAdd)
		}
	}

	go pool.Run(ctx)
	go sessions.Run(ctx)

	if !cfg.NoFilesystemMode {
		fileWatcher, errWatch := watcher.NewWatcher(store, func(updated *config.Config) {
			logging.SetDebug(updated.Debug)
		})
		if errWatch != nil {
			log.Warnf("settings hot reload disabled: %v", errWatch)
		} else if errWatch = fileWatcher.Start(ctx); errWatch != nil {
			log.Warnf("settings hot reload disabled: %v", errWatch)
		} else {
			defer fileWatcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Infof("received signal %s, shutting down", sig)
	case err = <-errCh:
		if err != nil {
			log.Errorf("server stopped: %v", err)
		}
	}

	log.Info("shutting down Clove...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}

	sessions.CleanupAll()
	pool.Save()
	cacheRegistry.Flush()
	toolCalls.Flush()
	if err = statsStore.Close(); err != nil {
		log.Warnf("failed to close statistics store: %v", err)
	}
	log.Info("shutdown complete")
}
