// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package feed merges the remote change feed into the local cache.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/tasksync/internal/backend"
	"github.com/jeranaias/tasksync/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrFeedUnavailable indicates the change feed could not be reached.
	// The engine degrades to local-only operation; this never reaches the
	// user as a failure.
	ErrFeedUnavailable = errors.New("change feed unavailable")

	// ErrMalformedEvent indicates an incoming frame is missing a required
	// identifier or carries an unknown kind. Malformed events are dropped
	// and logged; they never corrupt the cache.
	ErrMalformedEvent = errors.New("malformed feed event")
)

// =============================================================================
// NORMALIZED EVENTS
// =============================================================================

// EventKind is the closed set of change-feed event variants.
type EventKind string

const (
	KindTaskInserted EventKind = "task_inserted"
	KindTaskUpdated  EventKind = "task_updated"
	KindTaskDeleted  EventKind = "task_deleted"
	KindCommentAdded EventKind = "comment_added"
)

// Event is a normalized change-feed event. Task is set for task variants,
// Comment for comment variants; exactly one of the two is non-nil.
type Event struct {
	Kind    EventKind
	Task    *model.TaskPatch
	Comment *model.Comment
}

// kindAliases maps the spellings different backend versions emit onto the
// closed variant set. Matching is case-insensitive after stripping
// underscores and dots.
var kindAliases = map[string]EventKind{
	"taskinserted":   KindTaskInserted,
	"tasksinsert":    KindTaskInserted,
	"taskupdated":    KindTaskUpdated,
	"tasksupdate":    KindTaskUpdated,
	"taskdeleted":    KindTaskDeleted,
	"tasksdelete":    KindTaskDeleted,
	"commentadded":   KindCommentAdded,
	"commentsinsert": KindCommentAdded,
}

// Normalize converts a raw feed frame into a typed event. Frames with an
// unknown kind or a missing entity identifier are rejected with
// ErrMalformedEvent.
func Normalize(raw backend.RawEvent) (Event, error) {
	key := strings.ToLower(raw.Kind)
	key = strings.NewReplacer("_", "", ".", "", ":", "").Replace(key)

	kind, ok := kindAliases[key]
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, raw.Kind)
	}

	switch kind {
	case KindCommentAdded:
		var c model.Comment
		if err := json.Unmarshal(raw.Payload, &c); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if c.ID == "" || c.TaskID == "" {
			return Event{}, fmt.Errorf("%w: comment event missing identifier", ErrMalformedEvent)
		}
		return Event{Kind: kind, Comment: &c}, nil

	default:
		var p model.TaskPatch
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if p.ID == "" {
			return Event{}, fmt.Errorf("%w: task event missing identifier", ErrMalformedEvent)
		}
		return Event{Kind: kind, Task: &p}, nil
	}
}
