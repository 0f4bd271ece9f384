// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lifecycle implements the task status state machine.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/tasksync/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidTransition is returned when the requested target status has
	// no edge from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrPermissionDenied is returned when the actor fails the role
	// precondition for an otherwise valid edge.
	ErrPermissionDenied = errors.New("permission denied")
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

// actorRole is the role a transition edge requires, measured against the
// task record itself rather than any external permission table.
type actorRole int

const (
	roleAssignee actorRole = iota
	roleCreator
)

// edge describes a single allowed transition and its derived field changes.
type edge struct {
	from    model.Status
	to      model.Status
	require actorRole
	apply   func(t *model.Task, actor model.Actor, now time.Time)
}

// transitions enumerates every allowed status edge. Any (from, to) pair not
// listed here is rejected, including all edges into blocked and cancelled:
// those sink states are set administratively on the backend and arrive via
// the change feed only.
var transitions = []edge{
	{
		from: model.StatusAssigned, to: model.StatusInProgress, require: roleAssignee,
		apply: func(t *model.Task, _ model.Actor, now time.Time) {
			t.Progress = 10
			if t.StartedAt.IsZero() {
				t.StartedAt = now
			}
		},
	},
	{
		from: model.StatusRevision, to: model.StatusInProgress, require: roleAssignee,
		apply: func(t *model.Task, _ model.Actor, _ time.Time) {
			t.Progress = 50
		},
	},
	{
		from: model.StatusRejected, to: model.StatusInProgress, require: roleAssignee,
		apply: func(t *model.Task, _ model.Actor, _ time.Time) {
			t.Progress = 10
		},
	},
	{
		// Reopening a finished task clears the approval trail.
		from: model.StatusDone, to: model.StatusInProgress, require: roleCreator,
		apply: func(t *model.Task, _ model.Actor, _ time.Time) {
			t.Progress = 75
			t.ApprovedAt = time.Time{}
			t.ApprovedBy = ""
			t.CompletedAt = time.Time{}
		},
	},
	{
		from: model.StatusInProgress, to: model.StatusPendingApproval, require: roleAssignee,
		apply: func(t *model.Task, _ model.Actor, now time.Time) {
			t.ApprovalRequestedAt = now
			t.Progress = 100
		},
	},
	{
		from: model.StatusPendingApproval, to: model.StatusDone, require: roleCreator,
		apply: func(t *model.Task, actor model.Actor, now time.Time) {
			t.ApprovedAt = now
			t.ApprovedBy = actor.ID
			t.CompletedAt = now
			t.Progress = 100
		},
	},
	{
		// Creator bypass: completing work directly without an approval request.
		from: model.StatusInProgress, to: model.StatusDone, require: roleCreator,
		apply: func(t *model.Task, actor model.Actor, now time.Time) {
			t.CompletedAt = now
			t.ApprovedBy = actor.ID
			t.Progress = 100
		},
	},
	{
		from: model.StatusPendingApproval, to: model.StatusRevision, require: roleCreator,
		apply: func(t *model.Task, _ model.Actor, _ time.Time) {
			t.Progress = 50
		},
	},
	{
		from: model.StatusPendingApproval, to: model.StatusRejected, require: roleCreator,
		apply: func(t *model.Task, _ model.Actor, _ time.Time) {
			t.Progress = 0
		},
	},
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Apply validates the transition of task to target by actor and returns the
// resulting record. The input task is never modified.
//
// Rejections are typed: ErrInvalidTransition when no edge exists between
// the statuses, ErrPermissionDenied when the edge exists but the actor does
// not hold the required role on this record. Callers must not mutate state
// or issue persistence calls on rejection.
func Apply(task *model.Task, target model.Status, actor model.Actor, now time.Time) (*model.Task, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: no task record", ErrInvalidTransition)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}

	e, ok := findEdge(task.Status, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, target)
	}
	if err := checkRole(task, actor, e.require); err != nil {
		return nil, err
	}

	next := task.Clone()
	next.Status = target
	e.apply(next, actor, now)
	next.LastEditedBy = actor.ID
	next.LastEditedAt = now
	next.UpdatedAt = now
	return next, nil
}

// CanTransition reports whether the (from, to, actor) triple would be
// accepted, without computing the resulting record.
func CanTransition(task *model.Task, target model.Status, actor model.Actor) bool {
	e, ok := findEdge(task.Status, target)
	if !ok {
		return false
	}
	return checkRole(task, actor, e.require) == nil
}

// Targets returns the statuses the actor could move the task to from its
// current state. Useful for building affordances without duplicating the
// table at call sites.
func Targets(task *model.Task, actor model.Actor) []model.Status {
	var out []model.Status
	for _, e := range transitions {
		if e.from == task.Status && checkRole(task, actor, e.require) == nil {
			out = append(out, e.to)
		}
	}
	return out
}

// CanDelete reports whether the actor may delete the task. Deletion is a
// creator-only operation, checked here so the coordinator shares the same
// authorization surface as transitions.
func CanDelete(task *model.Task, actor model.Actor) error {
	if task == nil {
		return fmt.Errorf("%w: no task record", ErrInvalidTransition)
	}
	if !task.IsCreator(actor.ID) {
		return fmt.Errorf("%w: only the creator may delete task %s", ErrPermissionDenied, task.ID)
	}
	return nil
}

// ValidateDraft checks invariants a new task record must satisfy before it
// enters the cache or the wire: a title, a creator, and a non-empty
// assignee set.
func ValidateDraft(task *model.Task) error {
	if task.Title == "" {
		return errors.New("task title must not be empty")
	}
	if task.CreatedBy == "" {
		return errors.New("task creator must not be empty")
	}
	if len(task.AssignedTo) == 0 {
		return errors.New("task assignee set must not be empty")
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// findEdge looks up the transition edge for a (from, to) pair.
func findEdge(from, to model.Status) (edge, bool) {
	for _, e := range transitions {
		if e.from == from && e.to == to {
			return e, true
		}
	}
	return edge{}, false
}

// checkRole verifies the actor holds the required role on the record.
func checkRole(task *model.Task, actor model.Actor, require actorRole) error {
	switch require {
	case roleAssignee:
		if !task.IsAssignee(actor.ID) {
			return fmt.Errorf("%w: %s is not an assignee of task %s", ErrPermissionDenied, actor.ID, task.ID)
		}
	case roleCreator:
		if !task.IsCreator(actor.ID) {
			return fmt.Errorf("%w: %s is not the creator of task %s", ErrPermissionDenied, actor.ID, task.ID)
		}
	}
	return nil
}
