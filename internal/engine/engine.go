// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/jeranaias/tasksync/internal/backend"
	"github.com/jeranaias/tasksync/internal/cache"
	"github.com/jeranaias/tasksync/internal/config"
	"github.com/jeranaias/tasksync/internal/feed"
	"github.com/jeranaias/tasksync/internal/lifecycle"
	"github.com/jeranaias/tasksync/internal/model"
	"github.com/jeranaias/tasksync/internal/notify"
	"github.com/jeranaias/tasksync/internal/presence"
	"github.com/jeranaias/tasksync/internal/storage"
	"github.com/jeranaias/tasksync/internal/sync"
	"github.com/jeranaias/tasksync/internal/unread"
)

// =============================================================================
// SESSION
// =============================================================================

// Session is the top-level handle for one user's synchronized task state.
type Session struct {
	self     model.Actor
	store    *cache.Store
	client   *backend.Client
	coord    *sync.Coordinator
	fanin    *feed.FanIn
	tracker  *presence.Tracker
	counts   *unread.Counter
	snapshot *storage.SnapshotStore
	notifier notify.Notifier
	logger   *log.Logger

	mu       gosync.Mutex
	started  bool
	cancel   context.CancelFunc
	feedDone chan struct{}

	unsubComments func()
	unsubRemovals func()
	closeOnce     gosync.Once
}

// New assembles a session from configuration. The snapshot store is
// opened here (when enabled) so warm-start state is visible before Start;
// a snapshot that fails to open disables persistence for this session
// rather than failing it.
func New(cfg *config.Config, notifier notify.Notifier, logger *log.Logger) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.User.ID == "" {
		return nil, errors.New("user.id must be configured")
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = log.Default()
	}

	self := model.Actor{ID: cfg.User.ID, Name: cfg.User.Name, Role: cfg.User.Role}
	store := cache.NewStore()
	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey).
		WithMaxRetries(cfg.Backend.MaxRetries)

	s := &Session{
		self:     self,
		store:    store,
		client:   client,
		coord:    sync.New(store, client, notifier, logger),
		counts:   unread.New(self),
		notifier: notifier,
		logger:   logger,
	}

	s.tracker = presence.New(client, self, logger, presence.WithIntervals(
		time.Duration(cfg.Presence.HeartbeatSecs)*time.Second,
		time.Duration(cfg.Presence.TypingHoldSecs)*time.Second,
		time.Duration(cfg.Presence.StaleWindowMins)*time.Minute,
	))

	s.fanin = feed.New(client, store, self, notifier, logger,
		feed.WithBackoff(
			time.Duration(cfg.Feed.ReconnectBaseMS)*time.Millisecond,
			time.Duration(cfg.Feed.ReconnectMaxSecs)*time.Second,
		),
		feed.WithDegradedHook(func(degraded bool) {
			if degraded {
				s.saveSnapshot()
			}
		}),
	)

	// Every comment on the feed flows into the unread counter; removals
	// drop the counter's state for the task.
	s.unsubComments = s.fanin.OnComment(func(c *model.Comment) {
		s.counts.Record(c)
	})
	s.unsubRemovals = store.SubscribeAll(func(ch cache.Change) {
		if ch.Kind == cache.ChangeRemoved {
			s.counts.Forget(ch.TaskID)
		}
	})

	if cfg.Snapshot.Enabled && cfg.Snapshot.Path != "" {
		snap, err := storage.Open(cfg.Snapshot.Path)
		if err != nil {
			logger.Printf("WARNING: snapshot store unavailable: %v", err)
		} else {
			s.snapshot = snap
			s.warmStart()
		}
	}

	return s, nil
}

// warmStart primes the cache and unread counts from the snapshot.
func (s *Session) warmStart() {
	tasks, err := s.snapshot.LoadTasks()
	if err != nil {
		s.logger.Printf("WARNING: snapshot load failed: %v", err)
		return
	}
	if len(tasks) > 0 {
		s.store.Replace(tasks)
		s.logger.Printf("warm start: %d tasks from snapshot", len(tasks))
	}
	counts, err := s.snapshot.LoadUnread()
	if err != nil {
		s.logger.Printf("WARNING: snapshot unread load failed: %v", err)
		return
	}
	s.counts.Seed(counts)
}

// Start performs the initial backend sync and begins consuming the change
// feed. A failed initial sync is not fatal: the session keeps whatever
// warm-start state it has and the feed loop keeps retrying.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.feedDone = make(chan struct{})
	s.mu.Unlock()

	if tasks, err := s.client.ListTasks(ctx); err != nil {
		s.logger.Printf("WARNING: initial sync failed, serving cached state: %v", err)
	} else {
		s.store.Replace(tasks)
		s.logger.Printf("initial sync: %d tasks", len(tasks))
	}

	go func() {
		defer close(s.feedDone)
		s.fanin.Run(ctx)
	}()
	return nil
}

// Close shuts the session down: stops the feed, drains in-flight
// mutations, leaves all presence sessions, and writes a final snapshot.
// Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		feedDone := s.feedDone
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-feedDone
		}
		s.coord.Wait()
		s.tracker.Close()
		s.unsubComments()
		s.unsubRemovals()
		s.saveSnapshot()
		if s.snapshot != nil {
			if err := s.snapshot.Close(); err != nil {
				s.logger.Printf("WARNING: snapshot close failed: %v", err)
			}
		}
	})
	return nil
}

// Wait blocks until all in-flight background persists have completed.
func (s *Session) Wait() {
	s.coord.Wait()
}

// saveSnapshot persists the current cache and unread counts. Best-effort.
func (s *Session) saveSnapshot() {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.Save(s.store.All(), s.counts.Counts()); err != nil {
		s.logger.Printf("WARNING: snapshot save failed: %v", err)
	}
}

// =============================================================================
// TASK STATE
// =============================================================================

// Self returns the local actor identity.
func (s *Session) Self() model.Actor {
	return s.self
}

// Task returns the cached task, or nil if unknown.
func (s *Session) Task(taskID string) *model.Task {
	return s.store.Get(taskID)
}

// Tasks returns all cached tasks ordered by creation time.
func (s *Session) Tasks() []*model.Task {
	return s.store.All()
}

// Subscribe registers a listener for changes to one task. The returned
// cancel function removes the registration.
func (s *Session) Subscribe(taskID string, fn cache.Listener) (cancel func()) {
	return s.store.Subscribe(taskID, fn)
}

// SubscribeAll registers a listener for all task changes.
func (s *Session) SubscribeAll(fn cache.Listener) (cancel func()) {
	return s.store.SubscribeAll(fn)
}

// Targets returns the status transitions the local user may request for
// the task right now.
func (s *Session) Targets(taskID string) []model.Status {
	task := s.store.Get(taskID)
	if task == nil {
		return nil
	}
	return lifecycle.Targets(task, s.self)
}

// Degraded reports whether the session is operating without a live feed.
func (s *Session) Degraded() bool {
	return s.fanin.Degraded()
}

// Refresh re-fetches the full task set from the backend.
func (s *Session) Refresh(ctx context.Context) error {
	tasks, err := s.client.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	s.store.Replace(tasks)
	return nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// RequestTransition moves the task toward the target status on behalf of
// the local user. The change is applied optimistically and persisted in
// the background.
func (s *Session) RequestTransition(ctx context.Context, taskID string, target model.Status) (*model.Task, error) {
	return s.coord.RequestTransition(ctx, taskID, target, s.self)
}

// RequestDelete deletes the task. Only the creator may delete.
func (s *Session) RequestDelete(ctx context.Context, taskID string) error {
	return s.coord.RequestDelete(ctx, taskID, s.self)
}

// CreateTask creates a new task owned by the local user.
func (s *Session) CreateTask(ctx context.Context, title, description string, assignees []string, priority model.Priority) (*model.Task, error) {
	draft := model.NewTask(title, s.self.ID, assignees)
	draft.Description = description
	if priority != "" {
		draft.Priority = priority
	}
	draft.LastEditedBy = s.self.ID
	draft.LastEditedAt = draft.CreatedAt
	return s.coord.CreateTask(ctx, draft)
}

// AddComment appends a comment to the task as the local user.
func (s *Session) AddComment(ctx context.Context, taskID, body string) (*model.Comment, error) {
	return s.coord.AddComment(ctx, taskID, body, s.self)
}

// =============================================================================
// FOCUS, PRESENCE, AND UNREAD
// =============================================================================

// OpenTask marks the task as focused: the local user appears present on
// it and its comments stop counting as unread.
func (s *Session) OpenTask(taskID string) {
	s.counts.Focus(taskID)
	s.tracker.Join(taskID)
}

// CloseTask releases the focus taken by OpenTask.
func (s *Session) CloseTask(taskID string) {
	s.tracker.Leave(taskID)
	s.counts.Unfocus(taskID)
}

// Typing records a typing pulse for a task the user has open.
func (s *Session) Typing(taskID string) {
	s.tracker.Typing(taskID)
}

// Presence returns the other users currently present on the task.
func (s *Session) Presence(ctx context.Context, taskID string) ([]model.PresenceRecord, error) {
	return s.tracker.Query(ctx, taskID)
}

// MarkRead clears the task's unread comment count.
func (s *Session) MarkRead(taskID string) {
	s.counts.MarkRead(taskID)
}

// UnreadCount returns the task's unread comment count.
func (s *Session) UnreadCount(taskID string) int {
	return s.counts.Count(taskID)
}

// UnreadCounts returns all nonzero unread counts keyed by task ID.
func (s *Session) UnreadCounts() map[string]int {
	return s.counts.Counts()
}

// UnreadTotal returns the sum of all unread counts.
func (s *Session) UnreadTotal() int {
	return s.counts.Total()
}
