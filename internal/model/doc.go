// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the sync engine.
//
// This package defines the core domain types for task records, comments,
// presence, and the actors that mutate them. Types here are plain data:
// all lifecycle rules live in internal/lifecycle and all I/O lives in
// internal/backend.
//
// # Key Types
//
//   - Task: A shared task record with status, progress, and audit fields
//   - TaskPatch: Partial task payload used for shallow merges from the feed
//   - Comment: Append-only comment on a task
//   - PresenceRecord: Ephemeral liveness record for a user on a task
//   - Actor: The identity performing an operation
//
// # Usage
//
// Create a task draft and inspect its status:
//
//	task := model.NewTask("Write Q3 report", actor.ID, []string{"maria"})
//	if task.Status == model.StatusAssigned {
//	    // freshly created tasks start in the assigned state
//	}
package model
