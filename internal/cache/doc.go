// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache holds the in-memory task projection for a session.
//
// The cache is the single shared surface between the optimistic mutation
// coordinator and the change-feed fan-in: both serialize their writes
// through the cache's lock, while readers always receive cloned snapshots
// they can hold without synchronization.
//
// Listeners are scoped: a subscription is keyed by task ID (or all tasks)
// and returns its own cancel function, so there is no process-wide event
// bus and every listener can be torn down independently.
//
// # Key Types
//
//   - Store: The task projection with snapshot reads
//   - Change: A committed change delivered to subscribers
//   - Subscription: Cancellable listener registration
package cache
