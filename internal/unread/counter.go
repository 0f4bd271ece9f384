// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package unread maintains per-task unread comment counts.
//
// Counts are derived purely from the comment stream: a comment increments
// its task's count unless the local user wrote it or currently has the
// task open. Counts are advisory and reset to zero on read.
package unread

import (
	"sync"

	"github.com/jeranaias/tasksync/internal/model"
)

// Counter tracks unread comment counts per task.
type Counter struct {
	self model.Actor

	mu      sync.Mutex
	counts  map[string]int
	focused map[string]bool
}

// New creates a counter for the given local actor.
func New(self model.Actor) *Counter {
	return &Counter{
		self:    self,
		counts:  make(map[string]int),
		focused: make(map[string]bool),
	}
}

// Record applies one comment from the feed. Comments authored by the
// local user and comments on a focused task never count.
func (c *Counter) Record(comment *model.Comment) {
	if comment.AuthorID == c.self.ID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.focused[comment.TaskID] {
		return
	}
	c.counts[comment.TaskID]++
}

// Focus marks the task as open. Focusing clears its count and suppresses
// increments until Unfocus.
func (c *Counter) Focus(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused[taskID] = true
	delete(c.counts, taskID)
}

// Unfocus marks the task as closed; later comments count again.
func (c *Counter) Unfocus(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.focused, taskID)
}

// MarkRead resets the task's count to zero.
func (c *Counter) MarkRead(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, taskID)
}

// Forget drops all state for a deleted task.
func (c *Counter) Forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, taskID)
	delete(c.focused, taskID)
}

// Count returns the task's unread count. Unknown tasks count zero.
func (c *Counter) Count(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[taskID]
}

// Counts returns a copy of all nonzero counts.
func (c *Counter) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for id, n := range c.counts {
		out[id] = n
	}
	return out
}

// Total returns the sum of all unread counts.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Seed primes counts from a persisted snapshot. Zero and negative entries
// are dropped. Existing counts are replaced.
func (c *Counter) Seed(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			c.counts[id] = n
		}
	}
}
