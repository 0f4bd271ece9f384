// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package presence publishes and reads ephemeral liveness records.
//
// The tracker maintains one heartbeat session per joined task, renewing
// the local user's record on a fixed interval and debouncing typing
// pulses so rapid keystrokes collapse into a single typing window.
// Presence is strictly best-effort: every write failure is logged and
// swallowed, and a reader that cannot reach the presence store reports
// nobody present rather than an error. No task data ever depends on this
// package.
package presence
