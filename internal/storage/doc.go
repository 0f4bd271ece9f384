// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists session snapshots between runs.
//
// A snapshot holds the last known task set and the unread comment counts,
// stored in a local SQLite database. Snapshots exist purely to warm-start
// the next session while the first backend fetch is in flight; the backend
// remains the source of truth and a fresh fetch always supersedes
// snapshot contents.
package storage
