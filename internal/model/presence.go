// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// =============================================================================
// PRESENCE
// =============================================================================

// PresenceStatus is the liveness state a user publishes for a task.
type PresenceStatus string

const (
	// PresenceOnline indicates the user is viewing the task.
	PresenceOnline PresenceStatus = "online"

	// PresenceTyping indicates the user is actively composing input.
	PresenceTyping PresenceStatus = "typing"

	// PresenceOffline indicates the user has left the task.
	PresenceOffline PresenceStatus = "offline"
)

// String returns the string representation of the presence status.
func (s PresenceStatus) String() string {
	return string(s)
}

// PresenceRecord is an ephemeral liveness record for a user on a task.
//
// Records are never physically deleted by readers: a record whose LastSeen
// is older than the staleness window is simply treated as absent.
type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	TaskID   string         `json:"task_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// FreshAt reports whether the record counts as present at the given
// instant, for the given staleness window.
func (r PresenceRecord) FreshAt(now time.Time, window time.Duration) bool {
	if r.Status == PresenceOffline {
		return false
	}
	return now.Sub(r.LastSeen) <= window
}
