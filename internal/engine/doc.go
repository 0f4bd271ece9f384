// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine assembles the task synchronization session.
//
// A Session owns the in-memory task cache, the optimistic mutation
// coordinator, the change-feed fan-in, the presence tracker, and the
// unread comment counter, and exposes them behind one façade. Callers
// create a Session from configuration, Start it, and interact only with
// Session methods; all cross-component wiring lives here.
//
// Sessions warm-start from a local snapshot when one exists, replace it
// with backend state as soon as the first fetch succeeds, and write a
// fresh snapshot on shutdown and whenever the feed connection drops.
package engine
