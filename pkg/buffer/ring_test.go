package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_KeepsInsertionOrder(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Snapshot())

	assert.False(t, r.Push(1))
	assert.False(t, r.Push(2))
	assert.Equal(t, []int{1, 2}, r.Snapshot())
	assert.Equal(t, 2, r.Len())
}

func TestRing_DropsOldestWhenFull(t *testing.T) {
	r := NewRing[string](3)
	for i := 1; i <= 5; i++ {
		r.Push(fmt.Sprintf("a%d", i))
	}

	assert.Equal(t, []string{"a3", "a4", "a5"}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, int64(2), r.Dropped())
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := NewRing[int](0)
	require.Equal(t, 1, r.Cap())

	r.Push(1)
	assert.True(t, r.Push(2))
	assert.Equal(t, []int{2}, r.Snapshot())
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Clear()

	assert.Equal(t, 0, r.Len())
	r.Push(3)
	assert.Equal(t, []int{3}, r.Snapshot())
}

func TestRing_ConcurrentPush(t *testing.T) {
	r := NewRing[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Push(i)
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
	assert.Equal(t, int64(750), r.Dropped())
}
