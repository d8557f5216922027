// Package main is the entry point for the orgloop daemon: a single
// long-lived process that loads module configs, runs their scheduled
// and webhook-driven sources, routes matched events through transform
// pipelines to actors, and exposes a control API for loading,
// unloading, and inspecting modules (spec.md §1/§6).
//
// Grounded on cmd/thane/main.go's runServe: component construction
// order (config, logger, data directories, long-lived subsystems),
// then signal.Notify + context.WithCancel + bounded-drain graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orgloop/orgloop/internal/buildinfo"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/identity"
	"github.com/orgloop/orgloop/internal/listener"
	"github.com/orgloop/orgloop/internal/logging"
	"github.com/orgloop/orgloop/internal/resolver"
	"github.com/orgloop/orgloop/internal/runtime"
	"github.com/orgloop/orgloop/internal/statedir"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	stateDirFlag := flag.String("state-dir", "", "override state directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	if err := run(logger, *configPath, *stateDirFlag); err != nil {
		logger.Error("orgloopd failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, stateDirFlag string) error {
	logger.Info("starting orgloopd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	stateDir := stateDirFlag
	if stateDir == "" {
		stateDir = cfg.StateDir
	}
	stateDir, err = statedir.Dir(stateDir)
	if err != nil {
		return fmt.Errorf("resolve state dir: %w", err)
	}
	logger.Info("state directory resolved", "path", stateDir)

	if err := statedir.WritePID(stateDir); err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	defer statedir.RemovePID(stateDir)

	if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir %s: %w", cfg.CheckpointDir, err)
	}

	var roster *identity.Roster
	if cfg.Roster != nil {
		refresh, err := time.ParseDuration(cfg.Roster.RefreshInterval)
		if err != nil {
			return fmt.Errorf("roster.refresh_interval: %w", err)
		}
		roster, err = identity.NewRoster(identity.Config{
			Endpoint:        cfg.Roster.Endpoint,
			Username:        cfg.Roster.Username,
			Password:        cfg.Roster.Password,
			AddressBookPath: cfg.Roster.AddressBookPath,
			RefreshInterval: refresh,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("create identity roster: %w", err)
		}
		logger.Info("identity roster configured", "endpoint", cfg.Roster.Endpoint)
	}

	registries := resolver.NewRegistries()
	rt := runtime.New(registries, cfg.CheckpointDir, stateDir, roster, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if roster != nil {
		refresh, _ := time.ParseDuration(cfg.Roster.RefreshInterval)
		roster.StartAutoSync(ctx, refresh)
	}

	rt.Start(ctx)

	if err := resumeModules(rt, cfg, stateDir, logger); err != nil {
		logger.Error("failed to resume one or more modules from state", "error", err)
	}

	wsLogger := logging.NewWSLogger(logger)

	address := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	srv := listener.New(address, rt, wsLogger, cfg.Drain(), stateDir, logger, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = srv.Start(ctx)

	logger.Info("stopping runtime", "drain_timeout", cfg.Drain())
	rt.Stop(cfg.Drain())

	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	logger.Info("orgloopd stopped")
	return nil
}

// resumeModules reloads every module config named in cfg.Modules
// (startup configuration) and every config path recorded in the state
// registry from a prior run (restart recovery), deduplicated by path.
func resumeModules(rt *runtime.Runtime, cfg *config.Config, stateDir string, logger *slog.Logger) error {
	seen := make(map[string]bool)
	paths := append([]string{}, cfg.Modules...)

	registry := statedir.OpenRegistry(stateDir)
	prior, err := registry.Load()
	if err != nil {
		return fmt.Errorf("load module registry: %w", err)
	}
	for _, path := range prior {
		paths = append(paths, path)
	}

	var firstErr error
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		if _, err := rt.LoadModule(path); err != nil {
			logger.Error("failed to load module at startup", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info("module loaded at startup", "path", path)
	}
	return firstErr
}
