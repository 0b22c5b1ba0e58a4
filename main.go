package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/numbata/metaproxy/metaproxy-srv/api"
	"github.com/numbata/metaproxy/metaproxy-srv/binding"
	"github.com/numbata/metaproxy/metaproxy-srv/config"
	"github.com/numbata/metaproxy/metaproxy-srv/logger"
	"github.com/numbata/metaproxy/metaproxy-srv/proxy"
	"github.com/numbata/metaproxy/metaproxy-srv/stats"
)

var version string

const shutdownTimeout = 5 * time.Second

func main() {
	cfg := parseFlagsAndConfig()
	runProxy(cfg)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() *config.Config {
	flags := config.NewFlags("metaproxy")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if flags.Version {
		if version == "" {
			version = "dev"
		}
		fmt.Println("metaproxy version:", version)
		os.Exit(0)
	}

	if flags.EnvFile != "" {
		if err := config.LoadEnvFile(flags.EnvFile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", flags.EnvFile)
	}

	cfg, err := config.LoadConfig(flags.ConfigPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	if err := flags.Apply(cfg); err != nil {
		logger.Fatal("Invalid command line: %v", err)
	}

	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	if flags.Debug {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting metaproxy")
	logger.Debug("Control API: %s, bindings listen on %s", cfg.ControlAddress, cfg.ListenHost)
	logger.Debug("Timeout: %d seconds, connect timeout: %d seconds", cfg.TimeoutSeconds, cfg.ConnectTimeoutSeconds)
	logger.Debug("Direct connections allowed: %v", cfg.AllowDirect)

	return cfg
}

// runProxy starts the bindings and the control API and blocks until a
// shutdown signal arrives.
func runProxy(cfg *config.Config) {
	collector, err := stats.CreateCollector(&cfg.Statistics)
	if err != nil {
		logger.Fatal("Failed to create statistics collector: %v", err)
	}

	p := proxy.NewProxy(cfg, collector)
	registry := binding.NewRegistry(cfg.ListenHost, p)

	for _, b := range cfg.Bindings {
		if _, err := registry.Create(b.Port, b.Upstream); err != nil {
			logger.Error("Failed to create startup binding on port %d: %v", b.Port, err)
		}
	}

	server := &http.Server{
		Addr:              cfg.ControlAddress,
		Handler:           api.NewServer(registry, collector),
		ReadHeaderTimeout: cfg.HeaderTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Control API listening on %s", cfg.ControlAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, shutting down...", sig)
	case err, ok := <-serverErr:
		if ok {
			logger.Error("Control API error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down control API: %v", err)
	}
	registry.Close()
	if err := registry.Wait(ctx); err != nil {
		logger.Warn("In-flight connections still open after %v: %v", shutdownTimeout, err)
	}
	p.Close()
	if err := collector.Close(); err != nil {
		logger.Error("Error closing statistics collector: %v", err)
	}
	logger.Info("Shutdown complete")
}
