// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify defines the observer surface for user-facing signals.
//
// State transitions and cache merges never play sounds or raise toasts
// themselves; they report committed changes and user-visible failures to a
// Notifier and the presentation layer decides what to do with them. This
// keeps the state machine and the coordinator free of presentation
// concerns, and gives the fan-in a single place to suppress self-origin
// events.
package notify

import (
	"log"

	"github.com/jeranaias/tasksync/internal/model"
)

// Notifier receives user-facing signals from the engine. Implementations
// must be safe for concurrent use and must not block.
type Notifier interface {
	// TaskChanged reports a remote change committed to the cache. Not
	// invoked for the local actor's own echoes.
	TaskChanged(task *model.Task)

	// TaskRemoved reports a remote deletion committed to the cache.
	TaskRemoved(taskID string)

	// CommentAdded reports a remote comment. Not invoked for the local
	// actor's own comments.
	CommentAdded(comment *model.Comment)

	// MutationFailed reports a persistence failure after an optimistic
	// mutation was rolled back. The user should be offered a retry.
	MutationFailed(taskID string, err error)
}

// =============================================================================
// IMPLEMENTATIONS
// =============================================================================

// Nop is a Notifier that discards everything. Useful in tests and headless
// deployments.
type Nop struct{}

func (Nop) TaskChanged(*model.Task)      {}
func (Nop) TaskRemoved(string)           {}
func (Nop) CommentAdded(*model.Comment)  {}
func (Nop) MutationFailed(string, error) {}

// Logger is a Notifier that writes every signal to a log.Logger. The
// headless binary uses it in place of a UI.
type Logger struct {
	L *log.Logger
}

func (n Logger) logf(format string, args ...any) {
	if n.L != nil {
		n.L.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (n Logger) TaskChanged(task *model.Task) {
	n.logf("task %s changed: status=%s progress=%d", task.ID, task.Status, task.Progress)
}

func (n Logger) TaskRemoved(taskID string) {
	n.logf("task %s removed", taskID)
}

func (n Logger) CommentAdded(c *model.Comment) {
	n.logf("comment on task %s from %s", c.TaskID, c.AuthorID)
}

func (n Logger) MutationFailed(taskID string, err error) {
	n.logf("WARNING: mutation on task %s failed and was rolled back: %v", taskID, err)
}
