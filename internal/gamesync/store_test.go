package gamesync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFirstUpdateSignalledOnce(t *testing.T) {
	store := NewStore()

	outcome := store.Apply("s1", snapshotAt(1, "a"))
	require.True(t, outcome.Applied)
	assert.True(t, outcome.First, "first accepted reconciliation signals first-update")

	outcome = store.Apply("s1", snapshotAt(2, "a", "b"))
	require.True(t, outcome.Applied)
	assert.False(t, outcome.First)
}

func TestStoreVersionScenario(t *testing.T) {
	store := NewStore()

	// Session at version 5.
	require.True(t, store.Apply("s1", snapshotAt(5, "a", "b")).Applied)

	// Push delivers version 4: cache remains at 5.
	outcome := store.Apply("s1", snapshotAt(4, "x"))
	assert.True(t, outcome.Stale)
	assert.Equal(t, int64(5), store.Get("s1").Version)

	// Poll then delivers version 6: cache updates, log replaced wholesale.
	outcome = store.Apply("s1", snapshotAt(6, "a", "b", "c", "d"))
	require.True(t, outcome.Applied)
	assert.Equal(t, int64(6), store.Get("s1").Version)
	assert.Len(t, store.Get("s1").EventLog, 4)
}

func TestStoreGetUnknownSession(t *testing.T) {
	store := NewStore()
	assert.Nil(t, store.Get("missing"))
}

func TestStoreDrop(t *testing.T) {
	store := NewStore()
	store.Apply("s1", snapshotAt(1, "a"))
	store.Drop("s1")
	assert.Nil(t, store.Get("s1"))
	store.Drop("s1") // idempotent

	outcome := store.Apply("s1", snapshotAt(1, "a"))
	assert.True(t, outcome.First, "re-subscription starts a fresh first-update cycle")
}

func TestStoreSerializesConcurrentApplies(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	for v := int64(1); v <= 50; v++ {
		wg.Add(1)
		go func(version int64) {
			defer wg.Done()
			store.Apply("s1", snapshotAt(version, "e"))
		}(v)
	}
	wg.Wait()

	// Whatever the interleaving, the cached version is the highest one.
	assert.Equal(t, int64(50), store.Get("s1").Version)
}
