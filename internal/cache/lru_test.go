package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"whale-backend/internal/utils"
)

func TestLRUEvictsFirstInserted(t *testing.T) {
	t.Parallel()

	const capacity = 5
	c := NewLRU[string, int](capacity)
	for i := 0; i <= capacity; i++ {
		c.Add(fmt.Sprintf("tx%d", i), i)
	}

	require.Equal(t, capacity, c.Len())
	_, ok := c.Peek("tx0")
	require.False(t, ok, "first inserted entry should be evicted")
	for i := 1; i <= capacity; i++ {
		_, ok := c.Peek(fmt.Sprintf("tx%d", i))
		require.True(t, ok, "tx%d should remain", i)
	}
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	t.Parallel()

	c := NewLRU[string, int](2)
	c.Add("a", 1)
	c.Add("b", 2)

	_, ok := c.Get("a")
	require.True(t, ok)

	require.True(t, c.Add("c", 3))
	_, ok = c.Peek("b")
	require.False(t, ok, "b was least recently used")
	_, ok = c.Peek("a")
	require.True(t, ok)
	require.Equal(t, []string{"c", "a"}, c.Keys())
}

func TestLRUResize(t *testing.T) {
	t.Parallel()

	c := NewLRU[int, int](10)
	for i := 0; i < 10; i++ {
		c.Add(i, i)
	}

	require.Equal(t, 6, c.Resize(4))
	require.Equal(t, 4, c.Len())
	oldest, ok := c.Oldest()
	require.True(t, ok)
	require.Equal(t, 6, oldest)

	require.Zero(t, c.Resize(20))
	require.Equal(t, 20, c.Cap())
	require.Equal(t, 4, c.Len())
}

// TestLRUSizeBound checks that no sequence of operations pushes the cache past
// its capacity and that the evicted entry is always the least recently used.
func TestLRUSizeBound(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(t, "capacity")
		c := NewLRU[int, struct{}](capacity)

		// model keeps keys from least to most recently used.
		var model []int
		touch := func(k int) {
			for i, m := range model {
				if m == k {
					model = append(model[:i], model[i+1:]...)
					break
				}
			}
			model = append(model, k)
		}

		ops := rapid.SliceOfN(rapid.IntRange(0, 64), 1, 200).Draw(t, "ops")
		for _, k := range ops {
			if k%5 == 0 {
				if _, ok := c.Get(k); ok {
					touch(k)
				}
				continue
			}
			c.Add(k, struct{}{})
			touch(k)
			if len(model) > capacity {
				model = model[1:]
			}
			require.LessOrEqual(t, c.Len(), capacity)
		}

		require.Equal(t, len(model), c.Len())
		for _, k := range model {
			_, ok := c.Peek(k)
			require.True(t, ok, "key %d should be cached", k)
		}
	})
}

func TestTransactionCacheSeenAndInsert(t *testing.T) {
	t.Parallel()

	tc := NewTransactionCache(3, nil)
	now := time.Unix(1700000000, 0)

	require.False(t, tc.Seen("a"))
	tc.Insert("a", now)
	require.True(t, tc.Seen("a"))

	tc.Insert("b", now)
	tc.Insert("c", now)
	require.True(t, tc.Seen("a"))
	tc.Insert("d", now)

	require.Equal(t, 3, tc.Size())
	require.False(t, tc.Seen("b"), "b should be evicted after a was refreshed")
	require.True(t, tc.Seen("a"))

	ts, ok := tc.LastSeen("d")
	require.True(t, ok)
	require.Equal(t, now, ts)

	stats := tc.Stats()
	require.Equal(t, 3, stats.Capacity)
	require.EqualValues(t, 1, stats.Evictions)
}

func TestTransactionCachePressure(t *testing.T) {
	t.Parallel()

	cfg := utils.DefaultMemoryConfig()
	cfg.ShrinkFactor = 0.5
	tc := NewTransactionCache(100, cfg.KeepFraction)
	for i := 0; i < 100; i++ {
		tc.Insert(fmt.Sprintf("tx%d", i), time.Now())
	}

	tc.OnEnter(utils.PressureWarning)
	require.Equal(t, 75, tc.Capacity())
	require.Equal(t, 75, tc.Size())

	tc.OnEnter(utils.PressureCritical)
	require.Equal(t, 50, tc.Capacity())
	require.Equal(t, 50, tc.Size())
	require.True(t, tc.Seen("tx99"))
	require.False(t, tc.Seen("tx0"))

	// Easing back to WARNING never grows the cache.
	tc.OnEnter(utils.PressureWarning)
	require.Equal(t, 50, tc.Capacity())

	tc.OnExit(utils.PressureCritical)
	require.Equal(t, 100, tc.Capacity())
	require.Equal(t, 50, tc.Size())
}
