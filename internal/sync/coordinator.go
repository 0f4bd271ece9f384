// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sync implements the optimistic mutation coordinator.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/jeranaias/tasksync/internal/backend"
	"github.com/jeranaias/tasksync/internal/cache"
	"github.com/jeranaias/tasksync/internal/lifecycle"
	"github.com/jeranaias/tasksync/internal/model"
	"github.com/jeranaias/tasksync/internal/notify"
)

// =============================================================================
// ERRORS AND CONSTANTS
// =============================================================================

var (
	// ErrUnknownTask is returned when the task is not in the local cache.
	ErrUnknownTask = errors.New("task not in local cache")

	// ErrPersistFailed wraps backend errors after a rollback. It reaches
	// callers only through the Notifier; the synchronous path has already
	// returned by the time persistence resolves.
	ErrPersistFailed = errors.New("persistence failed")
)

// persistTimeout bounds each asynchronous persistence call. It is
// deliberately longer than the backend client's own per-request timeout so
// the client's retry loop runs to completion.
const persistTimeout = 60 * time.Second

// Persister is the backend surface the coordinator needs. *backend.Client
// implements it; tests substitute an in-memory fake.
type Persister interface {
	CreateTask(ctx context.Context, task *model.Task) (*model.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, mut backend.StatusMutation) (*model.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	AddComment(ctx context.Context, comment *model.Comment) (*model.Comment, error)
	FetchTask(ctx context.Context, taskID string) (*model.Task, error)
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator applies lifecycle transitions optimistically and reconciles
// them against the backend.
type Coordinator struct {
	store    *cache.Store
	persist  Persister
	notifier notify.Notifier
	logger   *log.Logger

	// gates holds the per-task depth-one mutation gate. A held gate means
	// that task has an unresolved optimistic write.
	gateMu gosync.Mutex
	gates  map[string]*gosync.Mutex

	// inflight tracks asynchronous persistence goroutines so Close can
	// drain them.
	inflight gosync.WaitGroup
}

// New creates a coordinator writing through the given cache store.
func New(store *cache.Store, persist Persister, notifier notify.Notifier, logger *log.Logger) *Coordinator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		store:    store,
		persist:  persist,
		notifier: notifier,
		logger:   logger,
		gates:    make(map[string]*gosync.Mutex),
	}
}

// gate returns the mutation gate for a task, creating it on first use.
func (c *Coordinator) gate(taskID string) *gosync.Mutex {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	g, ok := c.gates[taskID]
	if !ok {
		g = &gosync.Mutex{}
		c.gates[taskID] = g
	}
	return g
}

// Wait blocks until all in-flight persistence calls have resolved. Used on
// shutdown and in tests.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// RequestTransition validates and applies a status transition for the
// actor, returning the optimistic record. The cache is updated before this
// function returns; persistence runs asynchronously. Rejections
// (lifecycle.ErrInvalidTransition, lifecycle.ErrPermissionDenied) produce
// no state change and no persistence call.
//
// Calls for the same task are serialized: if an optimistic write is still
// unresolved, this blocks until it succeeds or is rolled back.
func (c *Coordinator) RequestTransition(ctx context.Context, taskID string, target model.Status, actor model.Actor) (*model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g := c.gate(taskID)
	g.Lock()

	current := c.store.Get(taskID)
	if current == nil {
		g.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	next, err := lifecycle.Apply(current, target, actor, time.Now().UTC())
	if err != nil {
		g.Unlock()
		return nil, err
	}

	// Optimistic apply: local subscribers observe the transition before
	// the network call is made.
	c.store.Put(next, false)

	mut := mutationPayload(current, next, actor)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer g.Unlock()

		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if _, err := c.persist.UpdateTaskStatus(pctx, taskID, mut); err != nil {
			// The feed echo never arrives for a failed write; discard the
			// optimistic record and reload from the source of truth.
			c.rollback(pctx, taskID, current, err)
		}
	}()

	return next.Clone(), nil
}

// RequestDelete removes a task optimistically and persists the deletion.
// Only the creator may delete; the authorization check shares the
// lifecycle package's surface.
func (c *Coordinator) RequestDelete(ctx context.Context, taskID string, actor model.Actor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g := c.gate(taskID)
	g.Lock()

	current := c.store.Get(taskID)
	if current == nil {
		g.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if err := lifecycle.CanDelete(current, actor); err != nil {
		g.Unlock()
		return err
	}

	removed := c.store.Remove(taskID, false)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer g.Unlock()

		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := c.persist.DeleteTask(pctx, taskID); err != nil {
			// Restore the removed record and tell the user.
			if removed != nil {
				c.store.Put(removed, false)
			}
			c.logger.Printf("WARNING: delete of task %s failed, restored: %v", taskID, err)
			c.notifier.MutationFailed(taskID, fmt.Errorf("%w: %v", ErrPersistFailed, err))
		}
	}()

	return nil
}

// =============================================================================
// CREATION
// =============================================================================

// CreateTask inserts a validated draft into the cache immediately and
// persists it. On failure the draft is removed again. On success the
// stored record (carrying the backend-assigned revision) replaces the
// draft ahead of the feed echo.
func (c *Coordinator) CreateTask(ctx context.Context, draft *model.Task) (*model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := lifecycle.ValidateDraft(draft); err != nil {
		return nil, err
	}

	g := c.gate(draft.ID)
	g.Lock()

	c.store.Put(draft, false)
	snapshot := draft.Clone()

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer g.Unlock()

		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		stored, err := c.persist.CreateTask(pctx, snapshot)
		if err != nil {
			c.store.Remove(snapshot.ID, false)
			c.logger.Printf("WARNING: create of task %s failed, removed: %v", snapshot.ID, err)
			c.notifier.MutationFailed(snapshot.ID, fmt.Errorf("%w: %v", ErrPersistFailed, err))
			return
		}
		c.store.Put(stored, false)
	}()

	return draft.Clone(), nil
}

// AddComment posts a comment authored by the actor. Comments are not part
// of the task cache, so there is nothing to roll back; a failure is simply
// surfaced. The returned draft lets the UI render the comment immediately.
func (c *Coordinator) AddComment(ctx context.Context, taskID, body string, actor model.Actor) (*model.Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.store.Get(taskID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	draft := model.NewComment(taskID, actor.ID, body)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if _, err := c.persist.AddComment(pctx, draft); err != nil {
			c.logger.Printf("WARNING: comment on task %s failed: %v", taskID, err)
			c.notifier.MutationFailed(taskID, fmt.Errorf("%w: %v", ErrPersistFailed, err))
		}
	}()

	return draft, nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

// rollback discards an optimistic write: the pre-mutation snapshot is
// restored immediately, then a reload from the source of truth replaces it
// if the fetch succeeds. Reload wins over any concurrent edits that were
// merged into the optimistic record; there is no field-level undo.
func (c *Coordinator) rollback(ctx context.Context, taskID string, snapshot *model.Task, cause error) {
	c.store.Put(snapshot, false)

	if fetched, err := c.persist.FetchTask(ctx, taskID); err == nil {
		c.store.Put(fetched, false)
	} else if errors.Is(err, backend.ErrNotFound) {
		// The task is gone on the server; drop it locally too.
		c.store.Remove(taskID, false)
	} else {
		c.logger.Printf("WARNING: reload of task %s after failed mutation also failed: %v", taskID, err)
	}

	c.notifier.MutationFailed(taskID, fmt.Errorf("%w: %v", ErrPersistFailed, cause))
}

// =============================================================================
// PAYLOAD CONSTRUCTION
// =============================================================================

// mutationPayload builds the full side-effect payload for a computed
// transition, so the backend applies exactly the fields the state machine
// derived.
func mutationPayload(before, after *model.Task, actor model.Actor) backend.StatusMutation {
	mut := backend.StatusMutation{
		Status:       after.Status,
		Progress:     after.Progress,
		Actor:        actor,
		BaseRevision: before.Revision,
	}
	if !after.StartedAt.Equal(before.StartedAt) && !after.StartedAt.IsZero() {
		t := after.StartedAt
		mut.StartedAt = &t
	}
	if !after.ApprovalRequestedAt.Equal(before.ApprovalRequestedAt) && !after.ApprovalRequestedAt.IsZero() {
		t := after.ApprovalRequestedAt
		mut.ApprovalRequestedAt = &t
	}
	if !after.ApprovedAt.Equal(before.ApprovedAt) && !after.ApprovedAt.IsZero() {
		t := after.ApprovedAt
		mut.ApprovedAt = &t
	}
	if !after.CompletedAt.Equal(before.CompletedAt) && !after.CompletedAt.IsZero() {
		t := after.CompletedAt
		mut.CompletedAt = &t
	}
	if after.ApprovedBy != before.ApprovedBy && after.ApprovedBy != "" {
		s := after.ApprovedBy
		mut.ApprovedBy = &s
	}
	// Reopening clears the approval trail; signal it explicitly since
	// absent fields are otherwise preserved server-side.
	if before.Status == model.StatusDone && after.Status == model.StatusInProgress {
		mut.ClearApproval = true
	}
	return mut
}
