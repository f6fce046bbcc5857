package sensor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	assert.False(t, q.Push(Reading{Confidence: 0.1}))
	assert.False(t, q.Push(Reading{Confidence: 0.2}))
	assert.True(t, q.Push(Reading{Confidence: 0.3}))
	assert.Equal(t, 2, q.Len())

	r, coalesced, ok := q.Latest()
	require.True(t, ok)
	assert.Equal(t, 0.3, r.Confidence)
	assert.Equal(t, 1, coalesced)

	_, _, ok = q.Latest()
	assert.False(t, ok)

	assert.Equal(t, QueueStats{Pushed: 3, Evicted: 1, Coalesced: 1, Depth: 0}, q.Stats())
}

func TestQueue_MinimumSize(t *testing.T) {
	q := NewQueue(0)
	q.Push(Reading{SensorID: "a"})
	q.Push(Reading{SensorID: "b"})
	r, _, ok := q.Latest()
	require.True(t, ok)
	assert.Equal(t, "b", r.SensorID)
}

func TestQueue_ConcurrentPushNeverBlocks(t *testing.T) {
	q := NewQueue(4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				q.Push(Reading{})
			}
		}()
	}
	wg.Wait()
	st := q.Stats()
	assert.Equal(t, uint64(4000), st.Pushed)
	assert.Equal(t, 4, st.Depth)
	assert.Equal(t, uint64(3996), st.Evicted)
}
