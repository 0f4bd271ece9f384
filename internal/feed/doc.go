// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package feed merges the remote change feed into the local cache.
//
// Raw feed frames are normalized at the boundary into a closed set of
// event variants (TaskInserted, TaskUpdated, TaskDeleted, CommentAdded)
// before any merge logic runs; nothing downstream ever sees an untyped
// payload. Events are deduplicated by revision (falling back to the
// updated timestamp), updates are applied as shallow merges, and events
// originating from the local actor update the cache without raising a
// user-facing notification.
//
// Loss of the feed is an operating mode, not an error: on subscribe
// failure or channel closure the fan-in logs a warning, keeps the cached
// state serving, and reconnects with capped exponential backoff.
//
// # Key Types
//
//   - FanIn: The subscription loop and merge rules
//   - Event: A normalized feed event
//   - EventKind: The closed set of event variants
package feed
