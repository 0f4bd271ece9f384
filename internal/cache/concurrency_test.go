// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Concurrent access tests for the task store:
// - Parallel writers against shared keys
// - Readers racing writers
// - Subscription delivery under churn
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/tasksync/internal/model"
)

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

// TestStore_ConcurrentPut tests that parallel writers to distinct and shared
// keys do not cause race conditions or lost entries.
func TestStore_ConcurrentPut(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task := model.NewTask(fmt.Sprintf("task %d", n%10), "creator", nil)
			task.ID = fmt.Sprintf("t%d", n%10)
			store.Put(task, n%2 == 0)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, store.Len(), "every shared key should survive the churn")
}

// TestStore_ConcurrentReadWrite tests readers racing writers and removers.
func TestStore_ConcurrentReadWrite(t *testing.T) {
	store := NewStore()
	seed := model.NewTask("seed", "creator", nil)
	seed.ID = "shared"
	store.Put(seed, true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Get("shared")
			_ = store.All()
			_ = store.Len()
		}()
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task := model.NewTask("churn", "creator", nil)
			task.ID = "shared"
			task.Revision = int64(n)
			store.Put(task, true)
		}(i)
	}
	wg.Wait()

	require.NotNil(t, store.Get("shared"))
}

// TestStore_ConcurrentSubscribe tests that subscribing, unsubscribing, and
// publishing in parallel neither deadlocks nor drops the store's entries.
func TestStore_ConcurrentSubscribe(t *testing.T) {
	store := NewStore()
	var delivered atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel := store.SubscribeAll(func(Change) {
				delivered.Add(1)
			})
			defer cancel()

			task := model.NewTask("published", "creator", nil)
			task.ID = "pub"
			store.Put(task, true)
		}()
	}
	wg.Wait()

	require.Positive(t, delivered.Load(), "at least one listener should observe a change")
	require.NotNil(t, store.Get("pub"))
}
