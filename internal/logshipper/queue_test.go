package logshipper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushPopOrdersFIFO(t *testing.T) {
	q := newOutboundQueue(nil)
	q.Push(FinalizedBatch{Events: []Event{{Message: "a"}}})
	q.Push(FinalizedBatch{Events: []Event{{Message: "b"}}})

	b, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", b.Events[0].Message)

	b, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", b.Events[0].Message)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := newOutboundQueue(nil)
	for i := 0; i < queueCapacity+2; i++ {
		q.Push(FinalizedBatch{Events: []Event{{Message: string(rune('a' + i))}}})
	}

	assert.Equal(t, queueCapacity, q.Len())
	assert.Equal(t, int64(2), q.Dropped())

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", first.Events[0].Message)
}
