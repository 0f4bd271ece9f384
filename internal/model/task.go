// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the sync engine.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK STATUS
// =============================================================================

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusAssigned indicates the task has been handed to its assignees
	// but work has not started.
	StatusAssigned Status = "assigned"

	// StatusInProgress indicates an assignee is actively working the task.
	StatusInProgress Status = "in_progress"

	// StatusPendingApproval indicates an assignee has requested completion
	// and the creator has not yet approved.
	StatusPendingApproval Status = "pending_approval"

	// StatusRevision indicates the creator sent the task back with feedback.
	StatusRevision Status = "revision"

	// StatusRejected indicates the creator rejected the submitted work.
	StatusRejected Status = "rejected"

	// StatusDone indicates the task is complete and approved.
	StatusDone Status = "done"

	// StatusBlocked is a sink state set through administrative action on
	// the backend; the local engine never transitions into it.
	StatusBlocked Status = "blocked"

	// StatusCancelled is a sink state set through administrative action on
	// the backend; the local engine never transitions into it.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusPendingApproval,
		StatusRevision, StatusRejected, StatusDone, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// IsSink reports whether s is a state with no outgoing local transitions.
func (s Status) IsSink() bool {
	return s == StatusBlocked || s == StatusCancelled
}

// =============================================================================
// TASK PRIORITY
// =============================================================================

// Priority represents the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// Valid reports whether p is one of the known priority values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// =============================================================================
// TASK RECORD
// =============================================================================

// Task represents a shared task record as projected into the local cache.
//
// The backend store owns the canonical record; the engine holds the union
// of the last full fetch and subsequently merged feed events. Revision is
// bumped by the backend on every persisted mutation and drives the feed
// deduplication rule.
type Task struct {
	// Identity
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// People
	CreatedBy  string   `json:"created_by"`
	AssignedTo []string `json:"assigned_to"`

	// Lifecycle
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	Progress int      `json:"progress"`

	// Timestamps (zero value means unset)
	DueDate             time.Time `json:"due_date,omitempty"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	ApprovalRequestedAt time.Time `json:"approval_requested_at,omitempty"`
	ApprovedAt          time.Time `json:"approved_at,omitempty"`
	CompletedAt         time.Time `json:"completed_at,omitempty"`

	// Audit
	ApprovedBy   string    `json:"approved_by,omitempty"`
	LastEditedBy string    `json:"last_edited_by,omitempty"`
	LastEditedAt time.Time `json:"last_edited_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Revision increases monotonically per successful persisted mutation.
	Revision int64 `json:"revision"`
}

// NewTask creates a task draft in the assigned state with a generated ID.
// The draft carries revision 0 until the backend confirms the insert.
func NewTask(title, createdBy string, assignedTo []string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         uuid.New().String(),
		Title:      title,
		CreatedBy:  createdBy,
		AssignedTo: append([]string{}, assignedTo...),
		Status:     StatusAssigned,
		Priority:   PriorityMedium,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsAssignee reports whether userID is a current assignee of the task.
func (t *Task) IsAssignee(userID string) bool {
	for _, id := range t.AssignedTo {
		if id == userID {
			return true
		}
	}
	return false
}

// IsCreator reports whether userID created the task.
func (t *Task) IsCreator(userID string) bool {
	return t.CreatedBy == userID
}

// Clone returns a deep copy of the task. Cache reads hand out clones so
// callers can never mutate shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.AssignedTo = append([]string{}, t.AssignedTo...)
	return &c
}

// Equal reports whether two task records are field-for-field identical.
func (t *Task) Equal(other *Task) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.ID != other.ID ||
		t.Title != other.Title ||
		t.Description != other.Description ||
		t.CreatedBy != other.CreatedBy ||
		t.Status != other.Status ||
		t.Priority != other.Priority ||
		t.Progress != other.Progress ||
		t.ApprovedBy != other.ApprovedBy ||
		t.LastEditedBy != other.LastEditedBy ||
		t.Revision != other.Revision {
		return false
	}
	if !t.DueDate.Equal(other.DueDate) ||
		!t.StartedAt.Equal(other.StartedAt) ||
		!t.ApprovalRequestedAt.Equal(other.ApprovalRequestedAt) ||
		!t.ApprovedAt.Equal(other.ApprovedAt) ||
		!t.CompletedAt.Equal(other.CompletedAt) ||
		!t.LastEditedAt.Equal(other.LastEditedAt) ||
		!t.CreatedAt.Equal(other.CreatedAt) ||
		!t.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	if len(t.AssignedTo) != len(other.AssignedTo) {
		return false
	}
	for i := range t.AssignedTo {
		if t.AssignedTo[i] != other.AssignedTo[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// TASK PATCH
// =============================================================================

// TaskPatch is a partial task payload decoded from a feed event.
//
// Pointer fields distinguish "absent from the payload" from zero values so
// that TaskUpdated events can be applied as a shallow merge: fields present
// in the payload overwrite, absent fields are preserved.
type TaskPatch struct {
	ID                  string     `json:"id"`
	Title               *string    `json:"title,omitempty"`
	Description         *string    `json:"description,omitempty"`
	CreatedBy           *string    `json:"created_by,omitempty"`
	AssignedTo          *[]string  `json:"assigned_to,omitempty"`
	Status              *Status    `json:"status,omitempty"`
	Priority            *Priority  `json:"priority,omitempty"`
	Progress            *int       `json:"progress,omitempty"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	ApprovalRequestedAt *time.Time `json:"approval_requested_at,omitempty"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ApprovedBy          *string    `json:"approved_by,omitempty"`
	LastEditedBy        *string    `json:"last_edited_by,omitempty"`
	LastEditedAt        *time.Time `json:"last_edited_at,omitempty"`
	CreatedAt           *time.Time `json:"created_at,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
	Revision            *int64     `json:"revision,omitempty"`
}

// ApplyTo merges the patch onto a clone of base and returns the result.
// Only fields present in the patch overwrite; base is not modified.
func (p *TaskPatch) ApplyTo(base *Task) *Task {
	t := base.Clone()
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.CreatedBy != nil {
		t.CreatedBy = *p.CreatedBy
	}
	if p.AssignedTo != nil {
		t.AssignedTo = append([]string{}, (*p.AssignedTo)...)
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.StartedAt != nil {
		t.StartedAt = *p.StartedAt
	}
	if p.ApprovalRequestedAt != nil {
		t.ApprovalRequestedAt = *p.ApprovalRequestedAt
	}
	if p.ApprovedAt != nil {
		t.ApprovedAt = *p.ApprovedAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = *p.CompletedAt
	}
	if p.ApprovedBy != nil {
		t.ApprovedBy = *p.ApprovedBy
	}
	if p.LastEditedBy != nil {
		t.LastEditedBy = *p.LastEditedBy
	}
	if p.LastEditedAt != nil {
		t.LastEditedAt = *p.LastEditedAt
	}
	if p.CreatedAt != nil {
		t.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = *p.UpdatedAt
	}
	if p.Revision != nil {
		t.Revision = *p.Revision
	}
	return t
}

// Full converts a patch carrying a complete payload into a Task. Fields
// absent from the patch are left at their zero values.
func (p *TaskPatch) Full() *Task {
	return p.ApplyTo(&Task{ID: p.ID})
}
