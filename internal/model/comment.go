// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COMMENT
// =============================================================================

// Comment is an append-only comment on a task. Comments are never mutated
// or deleted in normal operation.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// NewComment creates a comment draft with a generated ID.
func NewComment(taskID, authorID, body string) *Comment {
	return &Comment{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is the identity performing an operation against the engine.
//
// Authorization is decided from the actor's identity against the task
// record (creator, assignee membership); Role is informational and carried
// through to the backend for auditing.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}
