// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lifecycle implements the task status state machine.
//
// This package is a pure function library: given a current record, a
// requested target status, and the acting identity, it either computes the
// resulting record (including derived progress, timestamps, and approver
// fields) or returns a typed rejection. It performs no I/O and holds no
// state, which keeps every call path in the engine sharing a single
// authorization surface.
//
// # Key Types
//
//   - Apply: Validates and computes a status transition
//   - CanDelete: Authorization check for task deletion
//   - ErrInvalidTransition: The requested edge does not exist
//   - ErrPermissionDenied: The actor is not authorized for the edge
//
// # Usage
//
// Request a transition and inspect the outcome:
//
//	next, err := lifecycle.Apply(task, model.StatusInProgress, actor, time.Now())
//	if errors.Is(err, lifecycle.ErrPermissionDenied) {
//	    // surface to the user; no state or network effect happened
//	}
package lifecycle
