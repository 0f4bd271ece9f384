// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sync implements the optimistic mutation coordinator.
//
// A mutation is applied to the local cache immediately, so subscribers see
// the new record before the network round trip, then persisted
// asynchronously. On persistence failure the optimistic record is
// discarded: the pre-mutation snapshot is restored, a reload from the
// source of truth is attempted, and the failure is surfaced through the
// Notifier as a retry-prompting notice.
//
// Mutations are serialized per task: a depth-one gate ensures a second
// transition for the same task cannot be computed from a record that is
// itself an unconfirmed optimistic write. Requests for different tasks
// proceed in parallel.
//
// # Key Types
//
//   - Coordinator: The mutation entry point used by UI collaborators
//   - Persister: The narrow backend surface the coordinator needs
package sync
