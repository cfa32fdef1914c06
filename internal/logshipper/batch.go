// Batch construction per spec.md §3/§4.7: an in-memory buffer of framed
// JSON events {"timestamp","message"}, flushed on a high-water mark (80%
// of 1000 events / 256 KiB) or a linger timer (default 5s, max 1h).
// Events more than 2h in the future or ~14 days in the past are dropped.
package logshipper

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	maxEvents  = 1000
	maxBytes   = 256 * 1024
	hiwEvents  = maxEvents * 80 / 100
	hiwBytes   = maxBytes * 80 / 100
	defaultLinger = 5 * time.Second
	maxLinger     = time.Hour

	futureDropWindow = 2 * time.Hour
	pastDropWindow   = 14 * 24 * time.Hour
)

// Event is one log line ready for shipping.
type Event struct {
	TimestampMS int64  `json:"timestamp"`
	Message     string `json:"message"`
}

// Batch accumulates events until a flush trigger fires.
type Batch struct {
	mu      sync.Mutex
	events  []Event
	size    int
	linger  time.Duration
	timer   *time.Timer
	onFlush func(*Batch)
	started bool
}

func newBatch(linger time.Duration, onFlush func(*Batch)) *Batch {
	if linger <= 0 {
		linger = defaultLinger
	}
	if linger > maxLinger {
		linger = maxLinger
	}
	return &Batch{linger: linger, onFlush: onFlush}
}

// Add appends one record as an event, timestamped with eventTime (the
// log line's own timestamp, or time.Now() for lines with none), subject
// to the future/past drop windows measured against wall-clock now.
func (b *Batch) Add(message string, eventTime time.Time) {
	now := time.Now()
	ts := eventTime.UnixMilli()

	b.mu.Lock()
	defer b.mu.Unlock()

	if eventTime.After(now.Add(futureDropWindow)) {
		return // more than 2h in the future
	}
	if eventTime.Before(now.Add(-pastDropWindow)) {
		return // more than ~14 days in the past
	}

	encoded, _ := json.Marshal(Event{TimestampMS: ts, Message: message})
	b.events = append(b.events, Event{TimestampMS: ts, Message: message})
	b.size += len(encoded) + 1 // +1 for the trailing comma the wire format appends

	if !b.started {
		b.started = true
		b.armTimer()
	}

	if len(b.events) >= hiwEvents || b.size >= hiwBytes {
		b.flushLocked()
	}
}

func (b *Batch) armTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.linger, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.flushLocked()
	})
}

// flushLocked finalizes the batch and invokes onFlush. Caller must hold b.mu.
func (b *Batch) flushLocked() {
	if len(b.events) == 0 {
		b.started = false
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.onFlush != nil {
		b.onFlush(&Batch{events: b.events, size: b.size, linger: b.linger})
	}
	b.events = nil
	b.size = 0
	b.started = false
}

// Flush forces a flush regardless of high-water marks.
func (b *Batch) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Events returns a snapshot of the batch's events (for the finalized
// batch handed to onFlush — safe to read without the lock since the
// batch is retired at that point).
func (b *Batch) Events() []Event {
	return b.events
}

// EventCount reports the number of buffered events (test/metrics helper).
func (b *Batch) EventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
