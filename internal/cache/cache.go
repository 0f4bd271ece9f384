// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache holds the in-memory task projection for a session.
package cache

import (
	"log"
	"sort"
	"sync"

	"github.com/jeranaias/tasksync/internal/model"
)

// =============================================================================
// CHANGE NOTIFICATIONS
// =============================================================================

// ChangeKind classifies a committed cache change.
type ChangeKind string

const (
	// ChangeUpserted indicates a task was inserted or replaced.
	ChangeUpserted ChangeKind = "upserted"

	// ChangeRemoved indicates a task was removed.
	ChangeRemoved ChangeKind = "removed"
)

// Change is a committed cache change delivered to subscribers. Task is a
// clone (nil for removals); Remote marks changes that originated from the
// change feed rather than the local optimistic path.
type Change struct {
	Kind   ChangeKind
	TaskID string
	Task   *model.Task
	Remote bool
}

// Listener receives committed changes. Listeners are invoked synchronously
// under no lock and must not block for long.
type Listener func(Change)

// =============================================================================
// STORE
// =============================================================================

// Store is the in-memory task projection. Writes are serialized by the
// store's lock; reads return clones and are safe to hold indefinitely.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task

	subMu   sync.Mutex
	nextSub int
	// subs is keyed by task ID; the empty key holds all-task listeners.
	subs map[string]map[int]Listener
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{
		tasks: make(map[string]*model.Task),
		subs:  make(map[string]map[int]Listener),
	}
}

// =============================================================================
// READS
// =============================================================================

// Get returns a clone of the task, or nil if it is not cached.
func (s *Store) Get(taskID string) *model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[taskID].Clone()
}

// All returns clones of every cached task, ordered by creation time then ID
// for stable iteration.
func (s *Store) All() []*model.Task {
	s.mu.RLock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of cached tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// =============================================================================
// WRITES
// =============================================================================

// Put inserts or replaces a task and notifies subscribers. The store keeps
// its own clone, so the caller's record stays private.
func (s *Store) Put(task *model.Task, remote bool) {
	if task == nil || task.ID == "" {
		log.Printf("WARNING: cache: dropping task with empty ID")
		return
	}

	s.mu.Lock()
	s.tasks[task.ID] = task.Clone()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeUpserted, TaskID: task.ID, Task: task.Clone(), Remote: remote})
}

// Remove deletes a task and notifies subscribers. Returns the removed
// record (a clone) so optimistic deletions can be rolled back, or nil if
// the task was not cached.
func (s *Store) Remove(taskID string, remote bool) *model.Task {
	s.mu.Lock()
	prev := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()

	if prev == nil {
		return nil
	}
	s.publish(Change{Kind: ChangeRemoved, TaskID: taskID, Remote: remote})
	return prev.Clone()
}

// Replace swaps the whole projection, used when priming from a snapshot or
// a full list fetch. No per-task notifications are published; callers that
// need them should Put individually.
func (s *Store) Replace(tasks []*model.Task) {
	next := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			continue
		}
		next[t.ID] = t.Clone()
	}

	s.mu.Lock()
	s.tasks = next
	s.mu.Unlock()
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers a listener for changes to one task. The returned
// cancel function removes the registration; it is safe to call more than
// once.
func (s *Store) Subscribe(taskID string, fn Listener) (cancel func()) {
	return s.subscribe(taskID, fn)
}

// SubscribeAll registers a listener for changes to every task.
func (s *Store) SubscribeAll(fn Listener) (cancel func()) {
	return s.subscribe("", fn)
}

func (s *Store) subscribe(key string, fn Listener) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]Listener)
	}
	s.subs[key][id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if m := s.subs[key]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(s.subs, key)
			}
		}
	}
}

// publish delivers a change to the task's listeners and the all-task
// listeners. Listener sets are copied so cancellation during delivery is
// safe.
func (s *Store) publish(ch Change) {
	s.subMu.Lock()
	listeners := make([]Listener, 0, len(s.subs[ch.TaskID])+len(s.subs[""]))
	for _, fn := range s.subs[ch.TaskID] {
		listeners = append(listeners, fn)
	}
	for _, fn := range s.subs[""] {
		listeners = append(listeners, fn)
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		fn(ch)
	}
}
