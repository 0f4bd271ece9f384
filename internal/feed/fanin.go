// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/tasksync/internal/backend"
	"github.com/jeranaias/tasksync/internal/cache"
	"github.com/jeranaias/tasksync/internal/model"
	"github.com/jeranaias/tasksync/internal/notify"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultReconnectBase is the initial reconnect backoff delay.
	DefaultReconnectBase = 500 * time.Millisecond

	// DefaultReconnectMax caps the reconnect backoff delay.
	DefaultReconnectMax = 30 * time.Second
)

// Source is the subscription surface the fan-in needs. *backend.Client
// implements it; tests substitute channel-backed fakes.
type Source interface {
	SubscribeFeed(ctx context.Context) (<-chan backend.RawEvent, error)
}

// =============================================================================
// FAN-IN
// =============================================================================

// FanIn subscribes to the change feed and merges remote events into the
// cache. It is the only writer to the cache besides the mutation
// coordinator.
type FanIn struct {
	source   Source
	store    *cache.Store
	notifier notify.Notifier
	self     model.Actor
	logger   *log.Logger

	reconnectBase time.Duration
	reconnectMax  time.Duration

	mu           sync.Mutex
	degraded     bool
	onDegraded   func(bool)
	seenComments map[string]bool
	nextSub      int
	commentSubs  map[int]func(*model.Comment)
}

// Option configures a FanIn.
type Option func(*FanIn)

// WithBackoff overrides the reconnect backoff window.
func WithBackoff(base, max time.Duration) Option {
	return func(f *FanIn) {
		f.reconnectBase = base
		f.reconnectMax = max
	}
}

// WithDegradedHook installs a callback invoked when the fan-in enters or
// leaves degraded mode. The engine uses it to snapshot the cache while the
// feed is down.
func WithDegradedHook(fn func(degraded bool)) Option {
	return func(f *FanIn) {
		f.onDegraded = fn
	}
}

// New creates a fan-in merging events from source into store on behalf of
// the local actor self.
func New(source Source, store *cache.Store, self model.Actor, notifier notify.Notifier, logger *log.Logger, opts ...Option) *FanIn {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = log.Default()
	}
	f := &FanIn{
		source:        source,
		store:         store,
		notifier:      notifier,
		self:          self,
		logger:        logger,
		reconnectBase: DefaultReconnectBase,
		reconnectMax:  DefaultReconnectMax,
		seenComments:  make(map[string]bool),
		commentSubs:   make(map[int]func(*model.Comment)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Degraded reports whether the fan-in is currently operating without a
// live feed connection.
func (f *FanIn) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// OnComment registers a listener for normalized comment events, including
// the local actor's own echoes. The unread counter is the primary
// consumer. The returned cancel function removes the registration.
func (f *FanIn) OnComment(fn func(*model.Comment)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.commentSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.commentSubs, id)
	}
}

// =============================================================================
// SUBSCRIPTION LOOP
// =============================================================================

// Run subscribes to the feed and processes events until ctx is cancelled.
// Connection loss switches the engine into degraded mode (cached state
// keeps serving, local mutations keep flowing) and reconnects with capped
// exponential backoff. Run never returns an error: feed absence is a
// supported operating mode.
func (f *FanIn) Run(ctx context.Context) {
	delay := f.reconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := f.source.SubscribeFeed(ctx)
		if err != nil {
			f.setDegraded(true)
			f.logger.Printf("WARNING: %v: %v (retrying in %v)", ErrFeedUnavailable, err, delay)
			if !sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay, f.reconnectMax)
			continue
		}

		f.setDegraded(false)
		delay = f.reconnectBase

		for ev := range events {
			f.Handle(ev)
		}

		// Channel closed: server hangup or context cancellation.
		if ctx.Err() != nil {
			f.setDegraded(false)
			return
		}
		f.setDegraded(true)
		f.logger.Printf("WARNING: change feed closed, reconnecting in %v", delay)
		if !sleep(ctx, delay) {
			return
		}
		delay = nextDelay(delay, f.reconnectMax)
	}
}

func (f *FanIn) setDegraded(d bool) {
	f.mu.Lock()
	changed := f.degraded != d
	f.degraded = d
	hook := f.onDegraded
	f.mu.Unlock()

	if changed && hook != nil {
		hook(d)
	}
}

// sleep waits for d or context cancellation; reports whether the wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// nextDelay doubles the backoff up to the cap.
func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

// =============================================================================
// MERGE RULES
// =============================================================================

// Handle normalizes and merges one raw event. Malformed frames are dropped
// and logged; they never propagate.
func (f *FanIn) Handle(raw backend.RawEvent) {
	ev, err := Normalize(raw)
	if err != nil {
		f.logger.Printf("WARNING: dropping feed event: %v", err)
		return
	}

	switch ev.Kind {
	case KindTaskInserted:
		f.handleInserted(ev.Task)
	case KindTaskUpdated:
		f.handleUpdated(ev.Task)
	case KindTaskDeleted:
		f.handleDeleted(ev.Task)
	case KindCommentAdded:
		f.handleComment(ev.Comment)
	}
}

func (f *FanIn) handleInserted(p *model.TaskPatch) {
	// Replay defense: an insert for a task we already hold is dropped.
	if f.store.Get(p.ID) != nil {
		return
	}
	task := p.Full()
	f.store.Put(task, true)
	if !f.selfOrigin(task.LastEditedBy) && !f.selfOrigin(task.CreatedBy) {
		f.notifier.TaskChanged(task.Clone())
	}
}

func (f *FanIn) handleUpdated(p *model.TaskPatch) {
	cached := f.store.Get(p.ID)
	if cached == nil {
		// An update racing ahead of its insert; accept the payload as the
		// initial record rather than losing it.
		f.handleInserted(p)
		return
	}

	if !newer(p, cached) {
		// Duplicate or out-of-order delivery; the cache already reflects
		// this or a later state.
		return
	}

	merged := p.ApplyTo(cached)
	f.store.Put(merged, true)
	if !f.selfOrigin(merged.LastEditedBy) {
		f.notifier.TaskChanged(merged.Clone())
	}
}

func (f *FanIn) handleDeleted(p *model.TaskPatch) {
	removed := f.store.Remove(p.ID, true)
	if removed == nil {
		return
	}
	editor := removed.LastEditedBy
	if p.LastEditedBy != nil {
		editor = *p.LastEditedBy
	}
	if !f.selfOrigin(editor) {
		f.notifier.TaskRemoved(p.ID)
	}
}

func (f *FanIn) handleComment(c *model.Comment) {
	f.mu.Lock()
	if f.seenComments[c.ID] {
		f.mu.Unlock()
		return
	}
	f.seenComments[c.ID] = true
	subs := make([]func(*model.Comment), 0, len(f.commentSubs))
	for _, fn := range f.commentSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
	if !f.selfOrigin(c.AuthorID) {
		f.notifier.CommentAdded(c)
	}
}

// selfOrigin reports whether the event was caused by the local actor, in
// which case the optimistic path has already notified the user.
func (f *FanIn) selfOrigin(userID string) bool {
	return userID != "" && userID == f.self.ID
}

// newer reports whether the patch represents a strictly newer state than
// the cached record. Revision is authoritative when both sides carry one;
// the updated timestamp is the fallback. A patch carrying neither cannot
// be ordered and is treated as stale.
func newer(p *model.TaskPatch, cached *model.Task) bool {
	if p.Revision != nil {
		return *p.Revision > cached.Revision
	}
	if p.UpdatedAt != nil {
		return p.UpdatedAt.After(cached.UpdatedAt)
	}
	return false
}
