// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management
// for tasksync.
//
// Supports both TOML and JSON configuration formats, with sensible
// defaults, environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.tasksync/config.toml
//   - ~/.tasksync/config.json
//   - Built-in defaults
//
// Environment variables (TASKSYNC_*) override file values. A Watcher can
// reload the global configuration when the file changes on disk.
package config
