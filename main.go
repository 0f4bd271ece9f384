// tasksync - headless task lifecycle and realtime synchronization daemon.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/tasksync/internal/config"
	"github.com/jeranaias/tasksync/internal/engine"
	"github.com/jeranaias/tasksync/internal/notify"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.tasksync/config.toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tasksync %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	logger := log.New(os.Stderr, "[tasksync] ", log.LstdFlags)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	// First run: materialize the effective defaults on disk so the
	// operator has a file to edit and the watcher has a target.
	if *configPath == "" {
		if p, perr := config.ConfigPathTOML(); perr == nil {
			if _, serr := os.Stat(p); os.IsNotExist(serr) {
				if werr := config.Save(cfg); werr != nil {
					logger.Printf("WARNING: could not write default config: %v", werr)
				}
			}
		}
	}

	// Reload the session when the config file changes on disk. The watcher
	// delivers the new config; the run loop tears the session down and
	// brings it back up with the new settings.
	reloads := make(chan *config.Config, 1)
	watchPath := *configPath
	if watchPath == "" {
		if p, err := config.ConfigPathTOML(); err == nil {
			watchPath = p
		}
	}
	if watchPath != "" {
		if _, err := os.Stat(watchPath); err == nil {
			watcher, err := config.NewWatcher(watchPath, func(next *config.Config) {
				select {
				case reloads <- next:
				default:
					// A reload is already pending; the loop picks up the
					// latest global config when it gets there.
				}
			}, logger)
			if err != nil {
				logger.Printf("WARNING: config watcher unavailable: %v", err)
			} else if err := watcher.Watch(); err != nil {
				logger.Printf("WARNING: config watcher failed to start: %v", err)
			} else {
				defer watcher.Close()
			}
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if err := run(cfg, reloads, sigs, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

// loadConfig resolves the effective configuration from an explicit path or
// the default search locations.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// run owns the session lifecycle. It blocks until a shutdown signal
// arrives, restarting the session whenever a config reload comes in.
func run(cfg *config.Config, reloads <-chan *config.Config, sigs <-chan os.Signal, logger *log.Logger) error {
	for {
		ctx, cancel := context.WithCancel(context.Background())

		session, err := engine.New(cfg, notify.Logger{L: logger}, logger)
		if err != nil {
			cancel()
			return fmt.Errorf("session init failed: %w", err)
		}
		if err := session.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("session start failed: %w", err)
		}
		logger.Printf("session started: user=%s backend=%s", cfg.User.ID, cfg.Backend.BaseURL)

		select {
		case sig := <-sigs:
			logger.Printf("received %v, shutting down", sig)
			cancel()
			if err := session.Close(); err != nil {
				logger.Printf("WARNING: shutdown error: %v", err)
			}
			return nil

		case next := <-reloads:
			logger.Printf("config changed, restarting session")
			cancel()
			if err := session.Close(); err != nil {
				logger.Printf("WARNING: shutdown error during reload: %v", err)
			}
			cfg = next
		}
	}
}
