// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/tasksync/internal/backend"
	"github.com/jeranaias/tasksync/internal/model"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultHeartbeat is the interval between presence renewals while a
	// task is open.
	DefaultHeartbeat = 30 * time.Second

	// DefaultTypingHold is how long a typing pulse keeps the typing state
	// alive before it decays back to online.
	DefaultTypingHold = 3 * time.Second

	// DefaultStaleWindow is the age past which a presence record is
	// treated as absent by readers.
	DefaultStaleWindow = 5 * time.Minute

	// defaultWriteTimeout bounds each presence write.
	defaultWriteTimeout = 10 * time.Second
)

// Writer is the presence store surface the tracker needs. *backend.Client
// implements it.
type Writer interface {
	UpsertPresence(ctx context.Context, rec model.PresenceRecord) (bool, error)
	QueryPresence(ctx context.Context, taskID string) ([]model.PresenceRecord, error)
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker publishes the local user's presence for joined tasks and reads
// the presence of others.
type Tracker struct {
	writer Writer
	self   model.Actor
	logger *log.Logger
	clock  func() time.Time

	heartbeat    time.Duration
	typingHold   time.Duration
	staleWindow  time.Duration
	writeTimeout time.Duration
	pulseEvery   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one joined task's heartbeat loop and typing state.
type session struct {
	taskID  string
	stop    chan struct{}
	done    chan struct{}
	limiter *rate.Limiter

	mu       sync.Mutex
	typing   bool
	debounce *time.Timer

	// writeMu serializes the typing revert against the offline write so
	// the offline write is always the session's last.
	writeMu sync.Mutex
}

func (s *session) status() model.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing {
		return model.PresenceTyping
	}
	return model.PresenceOnline
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIntervals overrides the heartbeat, typing hold, and staleness
// window. Tests use short values.
func WithIntervals(heartbeat, typingHold, staleWindow time.Duration) Option {
	return func(t *Tracker) {
		t.heartbeat = heartbeat
		t.typingHold = typingHold
		t.staleWindow = staleWindow
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithPulseInterval overrides the minimum spacing between typing writes.
func WithPulseInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.pulseEvery = d
	}
}

// New creates a tracker publishing presence for the given actor.
func New(writer Writer, self model.Actor, logger *log.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	t := &Tracker{
		writer:       writer,
		self:         self,
		logger:       logger,
		clock:        func() time.Time { return time.Now().UTC() },
		heartbeat:    DefaultHeartbeat,
		typingHold:   DefaultTypingHold,
		staleWindow:  DefaultStaleWindow,
		writeTimeout: defaultWriteTimeout,
		pulseEvery:   time.Second,
		sessions:     make(map[string]*session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// Join marks the local user present on the task and starts its heartbeat.
// Joining an already-joined task is a no-op.
func (t *Tracker) Join(taskID string) {
	t.mu.Lock()
	if _, ok := t.sessions[taskID]; ok {
		t.mu.Unlock()
		return
	}
	s := &session{
		taskID:  taskID,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(t.pulseEvery), 1),
	}
	t.sessions[taskID] = s
	t.mu.Unlock()

	t.write(taskID, model.PresenceOnline)
	go t.run(s)
}

// Leave stops the task's heartbeat and marks the local user offline. The
// offline write, like all presence writes, is best-effort.
func (t *Tracker) Leave(taskID string) {
	t.mu.Lock()
	s, ok := t.sessions[taskID]
	if ok {
		delete(t.sessions, taskID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	close(s.stop)
	<-s.done

	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.typing = false
	s.mu.Unlock()

	s.writeMu.Lock()
	t.write(taskID, model.PresenceOffline)
	s.writeMu.Unlock()
}

// Joined reports whether the task currently has an active session.
func (t *Tracker) Joined(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[taskID]
	return ok
}

// Close leaves every joined task.
func (t *Tracker) Close() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Leave(id)
	}
}

// run renews the session's current status until Leave.
func (t *Tracker) run(s *session) {
	defer close(s.done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			t.write(s.taskID, s.status())
		}
	}
}

// =============================================================================
// TYPING
// =============================================================================

// Typing records a typing pulse for the task. Pulses are throttled so a
// burst of keystrokes produces at most one write per interval; each pulse
// still extends the typing window, which decays back to online after the
// hold elapses without further pulses. Pulses for tasks the user has not
// joined are ignored.
func (t *Tracker) Typing(taskID string) {
	t.mu.Lock()
	s, ok := t.sessions[taskID]
	t.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.typing = true
	if s.debounce == nil {
		s.debounce = time.AfterFunc(t.typingHold, func() { t.typingExpired(s) })
	} else {
		s.debounce.Reset(t.typingHold)
	}
	throttled := !s.limiter.Allow()
	s.mu.Unlock()

	if throttled {
		return
	}
	t.write(taskID, model.PresenceTyping)
}

// typingExpired decays the session back to online once the hold lapses.
func (t *Tracker) typingExpired(s *session) {
	s.mu.Lock()
	s.typing = false
	s.mu.Unlock()

	// The stop check and the write happen under writeMu. Either Leave has
	// already closed stop and the revert is skipped, or the revert lands
	// before Leave's offline write can take the lock.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.stop:
		// Left already; the offline write supersedes.
		return
	default:
	}
	t.write(s.taskID, model.PresenceOnline)
}

// =============================================================================
// READS AND WRITES
// =============================================================================

// Query returns the fresh presence records of other users on the task.
// Records older than the staleness window, offline records, and the local
// user's own record are filtered out. An unreachable presence store
// yields an empty result, not an error.
func (t *Tracker) Query(ctx context.Context, taskID string) ([]model.PresenceRecord, error) {
	recs, err := t.writer.QueryPresence(ctx, taskID)
	if err != nil {
		if errors.Is(err, backend.ErrPresenceUnavailable) {
			t.logger.Printf("WARNING: presence query failed: %v", err)
			return nil, nil
		}
		return nil, err
	}

	now := t.clock()
	fresh := make([]model.PresenceRecord, 0, len(recs))
	for _, r := range recs {
		if r.UserID == t.self.ID {
			continue
		}
		if r.FreshAt(now, t.staleWindow) {
			fresh = append(fresh, r)
		}
	}
	return fresh, nil
}

// write publishes one presence record. Failures are logged and dropped.
func (t *Tracker) write(taskID string, status model.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()

	rec := model.PresenceRecord{
		UserID:   t.self.ID,
		TaskID:   taskID,
		Status:   status,
		LastSeen: t.clock(),
	}
	if _, err := t.writer.UpsertPresence(ctx, rec); err != nil {
		t.logger.Printf("WARNING: presence write failed for task %s: %v", taskID, err)
	}
}
