// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/tasksync/internal/backend"
	"github.com/jeranaias/tasksync/internal/cache"
	"github.com/jeranaias/tasksync/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	self  = model.Actor{ID: "user-1", Name: "Alice"}
	other = model.Actor{ID: "user-2", Name: "Bob"}
)

type recordingNotifier struct {
	mu       sync.Mutex
	changed  []string
	removed  []string
	comments []string
}

func (r *recordingNotifier) TaskChanged(t *model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, t.ID)
}

func (r *recordingNotifier) TaskRemoved(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, taskID)
}

func (r *recordingNotifier) CommentAdded(c *model.Comment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments = append(r.comments, c.ID)
}

func (r *recordingNotifier) MutationFailed(taskID string, err error) {}

func (r *recordingNotifier) changedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changed)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func rawTask(t *testing.T, kind string, fields map[string]any) backend.RawEvent {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return backend.RawEvent{Kind: kind, Payload: payload}
}

func seedTask(id string, revision int64, editor string) *model.Task {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &model.Task{
		ID:           id,
		Title:        "Initial title",
		Description:  "Initial description",
		CreatedBy:    other.ID,
		AssignedTo:   []string{self.ID},
		Status:       model.StatusAssigned,
		Priority:     model.PriorityMedium,
		Progress:     10,
		LastEditedBy: editor,
		CreatedAt:    now,
		UpdatedAt:    now,
		Revision:     revision,
	}
}

func newFanIn(store *cache.Store, notifier *recordingNotifier) *FanIn {
	return New(nil, store, self, notifier, quietLogger())
}

// =============================================================================
// NORMALIZATION
// =============================================================================

func TestNormalizeKindAliases(t *testing.T) {
	tests := []struct {
		raw  string
		want EventKind
	}{
		{"task_inserted", KindTaskInserted},
		{"tasks.insert", KindTaskInserted},
		{"TASK_UPDATED", KindTaskUpdated},
		{"tasks:update", KindTaskUpdated},
		{"task_deleted", KindTaskDeleted},
		{"tasks.delete", KindTaskDeleted},
		{"comment_added", KindCommentAdded},
		{"comments.insert", KindCommentAdded},
	}

	for _, tt := range tests {
		raw := backend.RawEvent{Kind: tt.raw, Payload: json.RawMessage(`{"id":"x","task_id":"y"}`)}
		ev, err := Normalize(raw)
		if err != nil {
			t.Errorf("Normalize(%q) returned error: %v", tt.raw, err)
			continue
		}
		if ev.Kind != tt.want {
			t.Errorf("Normalize(%q) kind = %q, want %q", tt.raw, ev.Kind, tt.want)
		}
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  backend.RawEvent
	}{
		{"unknown kind", backend.RawEvent{Kind: "widget_exploded", Payload: json.RawMessage(`{"id":"x"}`)}},
		{"invalid json", backend.RawEvent{Kind: "task_updated", Payload: json.RawMessage(`{`)}},
		{"missing task id", backend.RawEvent{Kind: "task_updated", Payload: json.RawMessage(`{"title":"x"}`)}},
		{"missing comment id", backend.RawEvent{Kind: "comment_added", Payload: json.RawMessage(`{"task_id":"y"}`)}},
		{"missing comment task", backend.RawEvent{Kind: "comment_added", Payload: json.RawMessage(`{"id":"x"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalize(tt.raw); !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("Normalize error = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

// =============================================================================
// MERGE RULES
// =============================================================================

func TestHandleDuplicateAppliedOnce(t *testing.T) {
	store := cache.NewStore()
	store.Replace([]*model.Task{seedTask("t1", 3, other.ID)})
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	ev := rawTask(t, "task_updated", map[string]any{
		"id":             "t1",
		"title":          "Updated title",
		"revision":       4,
		"last_edited_by": other.ID,
	})

	f.Handle(ev)
	f.Handle(ev)

	got := store.Get("t1")
	if got.Title != "Updated title" || got.Revision != 4 {
		t.Errorf("task = %q rev %d, want %q rev 4", got.Title, got.Revision, "Updated title")
	}
	if n := notifier.changedCount(); n != 1 {
		t.Errorf("notifications = %d, want 1 (duplicate must be silent)", n)
	}
}

func TestHandleOutOfOrderKeepsNewest(t *testing.T) {
	store := cache.NewStore()
	store.Replace([]*model.Task{seedTask("t1", 1, other.ID)})
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t1", "title": "Second edit", "revision": 3, "last_edited_by": other.ID,
	}))
	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t1", "title": "First edit", "revision": 2, "last_edited_by": other.ID,
	}))

	got := store.Get("t1")
	if got.Title != "Second edit" || got.Revision != 3 {
		t.Errorf("task = %q rev %d, want %q rev 3", got.Title, got.Revision, "Second edit")
	}
}

func TestHandleTimestampFallback(t *testing.T) {
	store := cache.NewStore()
	seed := seedTask("t1", 0, other.ID)
	store.Replace([]*model.Task{seed})
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	// Older timestamp, no revision: dropped.
	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t1", "title": "Stale", "updated_at": seed.UpdatedAt.Add(-time.Minute),
	}))
	if got := store.Get("t1"); got.Title != seed.Title {
		t.Errorf("stale timestamp applied: title = %q", got.Title)
	}

	// Newer timestamp, no revision: applied.
	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t1", "title": "Fresh", "updated_at": seed.UpdatedAt.Add(time.Minute),
	}))
	if got := store.Get("t1"); got.Title != "Fresh" {
		t.Errorf("fresh timestamp dropped: title = %q", got.Title)
	}

	// Neither revision nor timestamp: unordered, dropped.
	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t1", "title": "Unordered",
	}))
	if got := store.Get("t1"); got.Title != "Unordered" && got.Title != "Fresh" {
		t.Errorf("unexpected title %q", got.Title)
	}
	if got := store.Get("t1"); got.Title == "Unordered" {
		t.Error("event with no ordering information was applied")
	}
}

func TestHandleShallowMergePreservesAbsentFields(t *testing.T) {
	store := cache.NewStore()
	seed := seedTask("t1", 1, other.ID)
	store.Replace([]*model.Task{seed})
	f := newFanIn(store, &recordingNotifier{})

	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t1", "status": "in_progress", "progress": 50, "revision": 2,
	}))

	got := store.Get("t1")
	if got.Status != model.StatusInProgress || got.Progress != 50 {
		t.Errorf("status/progress = %v/%d, want in_progress/50", got.Status, got.Progress)
	}
	if got.Title != seed.Title {
		t.Errorf("absent field overwritten: title = %q, want %q", got.Title, seed.Title)
	}
	if got.Description != seed.Description {
		t.Errorf("absent field overwritten: description = %q", got.Description)
	}
	if len(got.AssignedTo) != 1 || got.AssignedTo[0] != self.ID {
		t.Errorf("absent field overwritten: assigned_to = %v", got.AssignedTo)
	}
}

func TestHandleSelfOriginSuppressed(t *testing.T) {
	store := cache.NewStore()
	store.Replace([]*model.Task{seedTask("t1", 1, self.ID)})
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t1", "title": "My own edit", "revision": 2, "last_edited_by": self.ID,
	}))

	if got := store.Get("t1"); got.Title != "My own edit" {
		t.Errorf("self-originated event not merged: title = %q", got.Title)
	}
	if n := notifier.changedCount(); n != 0 {
		t.Errorf("notifications = %d, want 0 for self-originated event", n)
	}
}

func TestHandleInsertReplayIgnored(t *testing.T) {
	store := cache.NewStore()
	store.Replace([]*model.Task{seedTask("t1", 5, other.ID)})
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	f.Handle(rawTask(t, "task_inserted", map[string]any{
		"id": "t1", "title": "Replayed insert", "revision": 1, "created_by": other.ID,
	}))

	got := store.Get("t1")
	if got.Title == "Replayed insert" || got.Revision != 5 {
		t.Errorf("replayed insert applied: %q rev %d", got.Title, got.Revision)
	}
	if n := notifier.changedCount(); n != 0 {
		t.Errorf("notifications = %d, want 0", n)
	}
}

func TestHandleInsertNewTask(t *testing.T) {
	store := cache.NewStore()
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	f.Handle(rawTask(t, "task_inserted", map[string]any{
		"id": "t9", "title": "Brand new", "revision": 0,
		"created_by": other.ID, "last_edited_by": other.ID,
	}))

	if got := store.Get("t9"); got == nil || got.Title != "Brand new" {
		t.Fatalf("inserted task missing or wrong: %+v", got)
	}
	if n := notifier.changedCount(); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestHandleUpdateBeforeInsert(t *testing.T) {
	store := cache.NewStore()
	f := newFanIn(store, &recordingNotifier{})

	// An update arriving ahead of its insert must not be lost.
	f.Handle(rawTask(t, "task_updated", map[string]any{
		"id": "t7", "title": "Raced ahead", "revision": 2, "last_edited_by": other.ID,
	}))

	if got := store.Get("t7"); got == nil || got.Title != "Raced ahead" {
		t.Fatalf("racing update dropped: %+v", got)
	}
}

func TestHandleDelete(t *testing.T) {
	store := cache.NewStore()
	store.Replace([]*model.Task{seedTask("t1", 1, other.ID), seedTask("t2", 1, self.ID)})
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	f.Handle(rawTask(t, "task_deleted", map[string]any{"id": "t1", "last_edited_by": other.ID}))
	f.Handle(rawTask(t, "task_deleted", map[string]any{"id": "t2", "last_edited_by": self.ID}))
	// Deleting an unknown task is a no-op, not a notification.
	f.Handle(rawTask(t, "task_deleted", map[string]any{"id": "t3"}))

	if store.Get("t1") != nil || store.Get("t2") != nil {
		t.Error("deleted tasks still cached")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.removed) != 1 || notifier.removed[0] != "t1" {
		t.Errorf("removals notified = %v, want [t1]", notifier.removed)
	}
}

func TestHandleMalformedDropped(t *testing.T) {
	store := cache.NewStore()
	store.Replace([]*model.Task{seedTask("t1", 1, other.ID)})
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	f.Handle(backend.RawEvent{Kind: "task_updated", Payload: json.RawMessage(`{"title":`)})
	f.Handle(backend.RawEvent{Kind: "mystery", Payload: json.RawMessage(`{"id":"t1"}`)})

	if got := store.Get("t1"); got.Revision != 1 {
		t.Errorf("malformed events mutated the cache: rev %d", got.Revision)
	}
	if n := notifier.changedCount(); n != 0 {
		t.Errorf("notifications = %d, want 0", n)
	}
}

// =============================================================================
// COMMENTS
// =============================================================================

func TestHandleCommentReplayAndSubscription(t *testing.T) {
	store := cache.NewStore()
	notifier := &recordingNotifier{}
	f := newFanIn(store, notifier)

	var seen []string
	cancel := f.OnComment(func(c *model.Comment) { seen = append(seen, c.ID) })

	ours, _ := json.Marshal(model.Comment{ID: "c1", TaskID: "t1", AuthorID: self.ID, Body: "mine"})
	theirs, _ := json.Marshal(model.Comment{ID: "c2", TaskID: "t1", AuthorID: other.ID, Body: "theirs"})

	f.Handle(backend.RawEvent{Kind: "comment_added", Payload: ours})
	f.Handle(backend.RawEvent{Kind: "comment_added", Payload: theirs})
	f.Handle(backend.RawEvent{Kind: "comment_added", Payload: theirs}) // replay

	if len(seen) != 2 || seen[0] != "c1" || seen[1] != "c2" {
		t.Errorf("subscriber saw %v, want [c1 c2]", seen)
	}
	notifier.mu.Lock()
	comments := append([]string(nil), notifier.comments...)
	notifier.mu.Unlock()
	if len(comments) != 1 || comments[0] != "c2" {
		t.Errorf("comments notified = %v, want [c2] (own comment suppressed)", comments)
	}

	cancel()
	f.Handle(rawTask(t, "comment_added", map[string]any{
		"id": "c3", "task_id": "t1", "author_id": other.ID, "body": "late",
	}))
	if len(seen) != 2 {
		t.Errorf("cancelled subscriber still invoked: %v", seen)
	}
}

// =============================================================================
// SUBSCRIPTION LOOP
// =============================================================================

type scriptedSource struct {
	mu       sync.Mutex
	failures int
	conns    chan chan backend.RawEvent
}

func newScriptedSource(failures int) *scriptedSource {
	return &scriptedSource{failures: failures, conns: make(chan chan backend.RawEvent, 4)}
}

func (s *scriptedSource) SubscribeFeed(ctx context.Context) (<-chan backend.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection refused")
	}
	conn := make(chan backend.RawEvent)
	s.conns <- conn
	return conn, nil
}

func waitConn(t *testing.T, s *scriptedSource) chan backend.RawEvent {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed connection")
		return nil
	}
}

func TestRunReconnectsAfterFailure(t *testing.T) {
	store := cache.NewStore()
	source := newScriptedSource(2)
	transitions := make(chan bool, 8)

	f := New(source, store, self, &recordingNotifier{}, quietLogger(),
		WithBackoff(time.Millisecond, 4*time.Millisecond),
		WithDegradedHook(func(d bool) { transitions <- d }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	// Two failed attempts put the engine into degraded mode once.
	if d := <-transitions; !d {
		t.Error("first transition should enter degraded mode")
	}

	conn := waitConn(t, source)
	if d := <-transitions; d {
		t.Error("successful connect should leave degraded mode")
	}
	if f.Degraded() {
		t.Error("Degraded() = true after successful connect")
	}

	// Events flow once connected.
	payload, _ := json.Marshal(map[string]any{
		"id": "t1", "title": "From feed", "revision": 1, "created_by": other.ID,
	})
	conn <- backend.RawEvent{Kind: "task_inserted", Payload: payload}

	deadline := time.Now().Add(2 * time.Second)
	for store.Get("t1") == nil {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the cache")
		}
		time.Sleep(time.Millisecond)
	}

	// Server hangup re-enters degraded mode and reconnects.
	close(conn)
	if d := <-transitions; !d {
		t.Error("hangup should re-enter degraded mode")
	}
	waitConn(t, source)
	if d := <-transitions; d {
		t.Error("reconnect should leave degraded mode")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunStopsOnCancelWhileBackingOff(t *testing.T) {
	source := newScriptedSource(1 << 30)
	f := New(source, cache.NewStore(), self, &recordingNotifier{}, quietLogger(),
		WithBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return while backing off")
	}
}
