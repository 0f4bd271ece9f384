// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"sync"
	"testing"

	"github.com/jeranaias/tasksync/internal/model"
)

func task(id string) *model.Task {
	t := model.NewTask("title "+id, "creator", []string{"assignee"})
	t.ID = id
	return t
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := NewStore()
	s.Put(task("t1"), false)

	snap := s.Get("t1")
	snap.Title = "mutated by caller"
	snap.AssignedTo[0] = "someone-else"

	again := s.Get("t1")
	if again.Title != "title t1" {
		t.Errorf("caller mutation leaked into cache: title = %q", again.Title)
	}
	if again.AssignedTo[0] != "assignee" {
		t.Errorf("caller mutation leaked into cache: assignees = %v", again.AssignedTo)
	}
}

func TestStore_PutClonesInput(t *testing.T) {
	s := NewStore()
	in := task("t1")
	s.Put(in, false)

	in.Title = "mutated after put"
	if got := s.Get("t1"); got.Title != "title t1" {
		t.Errorf("input mutation leaked into cache: title = %q", got.Title)
	}
}

func TestStore_RemoveReturnsPrevious(t *testing.T) {
	s := NewStore()
	s.Put(task("t1"), false)

	prev := s.Remove("t1", false)
	if prev == nil || prev.ID != "t1" {
		t.Fatalf("Remove returned %v, want the removed record", prev)
	}
	if s.Get("t1") != nil {
		t.Error("task still cached after Remove")
	}
	if s.Remove("missing", false) != nil {
		t.Error("Remove of unknown task returned a record")
	}
}

func TestStore_ScopedSubscriptions(t *testing.T) {
	s := NewStore()

	var t1Changes, allChanges []Change
	cancelT1 := s.Subscribe("t1", func(c Change) { t1Changes = append(t1Changes, c) })
	cancelAll := s.SubscribeAll(func(c Change) { allChanges = append(allChanges, c) })

	s.Put(task("t1"), false)
	s.Put(task("t2"), true)

	if len(t1Changes) != 1 {
		t.Fatalf("t1 listener saw %d changes, want 1", len(t1Changes))
	}
	if t1Changes[0].Kind != ChangeUpserted || t1Changes[0].Remote {
		t.Errorf("t1 change = %+v", t1Changes[0])
	}
	if len(allChanges) != 2 {
		t.Fatalf("all listener saw %d changes, want 2", len(allChanges))
	}
	if !allChanges[1].Remote {
		t.Error("remote flag not carried through to listeners")
	}

	cancelT1()
	cancelT1() // cancel is idempotent
	s.Put(task("t1"), false)
	if len(t1Changes) != 1 {
		t.Error("cancelled listener still receiving changes")
	}

	cancelAll()
	s.Put(task("t3"), false)
	if len(allChanges) != 3 {
		t.Error("cancelled all-task listener still receiving changes")
	}
}

func TestStore_ReplacePrimesWithoutNotifying(t *testing.T) {
	s := NewStore()
	notified := 0
	s.SubscribeAll(func(Change) { notified++ })

	s.Replace([]*model.Task{task("a"), task("b"), nil})
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if notified != 0 {
		t.Errorf("Replace published %d notifications, want 0", notified)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Put(task("shared"), false)
		}()
		go func() {
			defer wg.Done()
			_ = s.Get("shared")
			_ = s.All()
		}()
	}
	wg.Wait()

	if got := s.Get("shared"); got == nil {
		t.Fatal("task missing after concurrent writes")
	}
}
