package logshipper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchFlushesOnHighWaterMarkEvents(t *testing.T) {
	var flushed *Batch
	b := newBatch(time.Hour, func(fb *Batch) { flushed = fb })

	now := time.Now()
	for i := 0; i < hiwEvents; i++ {
		b.Add("line", now)
	}

	require.NotNil(t, flushed)
	assert.Equal(t, hiwEvents, len(flushed.Events()))
	assert.Equal(t, 0, b.EventCount())
}

func TestBatchFlushesOnLingerTimer(t *testing.T) {
	flushedCh := make(chan *Batch, 1)
	b := newBatch(20*time.Millisecond, func(fb *Batch) { flushedCh <- fb })

	b.Add("one line", time.Now())

	select {
	case fb := <-flushedCh:
		assert.Equal(t, 1, len(fb.Events()))
	case <-time.After(time.Second):
		t.Fatal("linger timer did not fire")
	}
}

func TestBatchDropsFarFutureEvent(t *testing.T) {
	var flushed bool
	b := newBatch(time.Hour, func(fb *Batch) { flushed = true })

	now := time.Now()
	b.Add("from the future", now.Add(3*time.Hour))
	assert.Equal(t, 0, b.EventCount())
	b.Flush()
	assert.False(t, flushed)
}

func TestBatchDropsFarPastEvent(t *testing.T) {
	b := newBatch(time.Hour, func(fb *Batch) {})
	now := time.Now()
	b.Add("ancient", now.Add(-20*24*time.Hour))
	assert.Equal(t, 0, b.EventCount())
}

func TestBatchKeepsEventWithinWindows(t *testing.T) {
	b := newBatch(time.Hour, func(fb *Batch) {})
	now := time.Now()
	b.Add("recent", now.Add(-time.Hour))
	assert.Equal(t, 1, b.EventCount())
}
