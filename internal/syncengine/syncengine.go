// Package syncengine implements C6, spec.md §4.6: the coalescing change
// buffer, crash-safe sync log, sequenced batched publish, ack-driven
// cleanup, and the cloud-receive / full-sync paths. Grounded line-for-
// line on original_source/lib/iotoLib.c's syncItem/logChange/
// scheduleSync/ioFlushSync/cleanChanges/receiveSync/applySyncLog.
package syncengine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
	"github.com/bifrost-iot/device-agent/internal/store"
)

const (
	// retransmitWindow is the +5s due_at extension applied on publish.
	retransmitWindow = 5 * time.Second
	// ioMessageSize mirrors the original's IO_MESSAGE_SIZE; batches must
	// leave 1024 bytes of headroom below it.
	ioMessageSize   = 128 * 1024
	batchCeiling    = ioMessageSize - 1024
	defaultMaxBytes = 1024 // database.maxSyncSize default, 1 KiB
)

// Change is the in-memory record of one pending local mutation
// (spec.md §3's "Change record").
type Change struct {
	Cmd     store.Cmd
	Key     string
	Item    json.RawMessage
	Updated string
	DueAt   time.Time
	Seq     int64
}

// Publisher is the outbound MQTT publish contract the engine needs;
// satisfied by internal/mqttsession.Session, kept narrow here so the
// engine is unit-testable without a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Engine owns the coalescing change buffer and drives the flush/ack
// lifecycle.
type Engine struct {
	mu      sync.Mutex
	changes map[string]*Change
	nextSeq int64
	dueAt   time.Time // earliest pending due_at, zero if none

	log       *SyncLog
	pub       Publisher
	deviceID  string
	maxBytes  int
	logger    *zap.Logger
	flushTmr  *time.Timer
	connected bool
}

// Options configures a new Engine.
type Options struct {
	DeviceID string
	MaxBytes int // database.maxSyncSize, default 1 KiB
	Logger   *zap.Logger
}

// New constructs an Engine around an already-open SyncLog and Publisher.
func New(log *SyncLog, pub Publisher, opts Options) *Engine {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		changes:  make(map[string]*Change),
		log:      log,
		pub:      pub,
		deviceID: opts.DeviceID,
		maxBytes: maxBytes,
		logger:   logger.Named("sync"),
	}
}

// Recover replays the sync log into the buffer, coalescing by key
// (replay preserves append order, so last write wins), per spec.md §8
// invariant 3.
func (e *Engine) Recover(path string) error {
	frames, err := Replay(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range frames {
		e.changes[f.Key] = &Change{
			Cmd:     store.Cmd(f.Cmd),
			Key:     f.Key,
			Item:    json.RawMessage(f.Data),
			Updated: f.Updated,
			DueAt:   time.Now(),
			Seq:     0,
		}
	}
	if len(e.changes) > 0 {
		e.scheduleFlushLocked()
	}
	return nil
}

// Capture records a local mutation per spec.md §4.6's trigger path.
// bypass items (applied from the cloud-receive path) are not captured,
// preventing echo.
func (e *Engine) Capture(model string, item []byte, bypass bool, cmd store.Cmd, key string) error {
	if bypass {
		return nil
	}

	updated := time.Now().UTC().Format(time.RFC3339Nano)

	// Append to the crash-safe log before the mutation enters the buffer.
	if err := e.log.Append(string(cmd), string(item), key, updated); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.changes[key]
	if ok && existing.Seq != 0 {
		// Already published: overwrite fields, but it must obtain a
		// fresh seq on the next flush — the in-flight ack for the old
		// seq will no longer match and is silently ignored.
		existing.Cmd = cmd
		existing.Item = json.RawMessage(item)
		existing.Updated = updated
		existing.Seq = 0
		existing.DueAt = time.Now()
	} else if ok {
		existing.Cmd = cmd
		existing.Item = json.RawMessage(item)
		existing.Updated = updated
		existing.DueAt = time.Now()
	} else {
		e.changes[key] = &Change{
			Cmd:     cmd,
			Key:     key,
			Item:    json.RawMessage(item),
			Updated: updated,
			DueAt:   time.Now(),
		}
	}

	e.scheduleFlushLocked()
	return nil
}

// scheduleFlushLocked arms/re-arms the single outstanding flush timer to
// fire at the buffer's earliest due_at, or flushes immediately if the
// buffer already exceeds maxBytes. Caller must hold e.mu.
func (e *Engine) scheduleFlushLocked() {
	if e.totalSizeLocked() >= e.maxBytes {
		if e.flushTmr != nil {
			e.flushTmr.Stop()
		}
		go e.Flush(context.Background(), false)
		return
	}

	earliest := e.earliestDueLocked()
	if earliest.IsZero() {
		return
	}
	if !e.dueAt.IsZero() && !earliest.Before(e.dueAt) && e.flushTmr != nil {
		return // existing timer already fires no later than this
	}
	e.dueAt = earliest

	if e.flushTmr != nil {
		e.flushTmr.Stop()
	}
	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	e.flushTmr = time.AfterFunc(wait, func() {
		e.Flush(context.Background(), false)
	})
}

func (e *Engine) totalSizeLocked() int {
	total := 0
	for _, c := range e.changes {
		total += len(c.Item) + len(c.Key) + 16
	}
	return total
}

func (e *Engine) earliestDueLocked() time.Time {
	var earliest time.Time
	for _, c := range e.changes {
		if c.Seq != 0 {
			continue // already published, waiting on ack or overwrite
		}
		if earliest.IsZero() || c.DueAt.Before(earliest) {
			earliest = c.DueAt
		}
	}
	return earliest
}

type batchChange struct {
	Cmd  store.Cmd       `json:"cmd"`
	Key  string          `json:"key"`
	Item json.RawMessage `json:"item"`
}

type batch struct {
	Seq     int64         `json:"seq"`
	Changes []batchChange `json:"changes"`
}

// Flush builds and publishes as many due (or all, if force) changes as
// fit under batchCeiling, assigning them a shared ascending seq and
// extending their due_at by the retransmit window. Any remainder is
// left for the next flush.
func (e *Engine) Flush(ctx context.Context, force bool) error {
	e.mu.Lock()

	var candidates []*Change
	now := time.Now()
	for _, c := range e.changes {
		if c.Seq != 0 {
			continue
		}
		if force || !c.DueAt.After(now) {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Key < candidates[j].Key })

	if len(candidates) == 0 {
		e.mu.Unlock()
		return nil
	}

	e.nextSeq++
	seq := e.nextSeq

	var included []batchChange
	size := 2 // "{}"
	for _, c := range candidates {
		entry := batchChange{Cmd: c.Cmd, Key: c.Key, Item: c.Item}
		encoded, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if size+len(encoded)+1 > batchCeiling && len(included) > 0 {
			break // remainder carried to the next flush
		}
		included = append(included, entry)
		size += len(encoded) + 1
	}

	for _, inc := range included {
		c := e.changes[inc.Key]
		c.Seq = seq
		c.DueAt = now.Add(retransmitWindow)
	}
	e.mu.Unlock()

	payload, err := json.Marshal(batch{Seq: seq, Changes: included})
	if err != nil {
		return agenterr.Wrap(agenterr.BadArgs, "sync", "Flush", err)
	}

	topic := "$aws/rules/IotoDevice/ioto/service/" + e.deviceID + "/db/syncToDynamo"
	if err := e.pub.Publish(ctx, topic, 1, payload); err != nil {
		e.logger.Warn("sync publish failed, retaining changes for retransmit", zap.Error(err))
		return err
	}

	e.mu.Lock()
	if len(e.changes) > 0 {
		e.scheduleFlushLocked()
	}
	e.mu.Unlock()
	return nil
}

// ackPayload is the cloud's `.../sync/SYNC` acknowledgement.
type ackPayload struct {
	Seq  int64    `json:"seq"`
	Keys []string `json:"keys"`
}

// HandleAck processes a cloud ack: for every listed key whose current
// Change.Seq equals the acked seq, the change is freed. Mismatches are
// silently ignored (a subsequent overwrite already claimed the key).
// Once the buffer drains, the sync log is truncated.
func (e *Engine) HandleAck(raw []byte) error {
	var ack ackPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		return agenterr.Wrap(agenterr.CantRead, "sync", "HandleAck", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range ack.Keys {
		if c, ok := e.changes[k]; ok && c.Seq == ack.Seq {
			delete(e.changes, k)
		}
	}
	if len(e.changes) == 0 {
		if err := e.log.Recreate(); err != nil {
			return err
		}
		e.dueAt = time.Time{}
	}
	return nil
}

// ShouldApply decides whether a cloud-originated mutation should be
// applied. currentUpdated is the locally stored record's "updated"
// timestamp, if any; haveCurrent=false means no local record exists.
// Returns false if the mutation is stale and should be suppressed.
func ShouldApply(incomingUpdated, currentUpdated string, haveCurrent bool) bool {
	if !haveCurrent {
		return true
	}
	// Compare as times: RFC3339Nano drops trailing fractional zeros, so
	// such strings do not sort chronologically. Unparseable values fall
	// back to a lexicographic compare.
	in, errIn := time.Parse(time.RFC3339Nano, incomingUpdated)
	cur, errCur := time.Parse(time.RFC3339Nano, currentUpdated)
	if errIn == nil && errCur == nil {
		return !in.Before(cur)
	}
	return incomingUpdated >= currentUpdated
}

// ReceivedMutation is the payload of a cloud-originated sync message on
// the receive path (spec.md §4.6): which model/key it targets, the
// replacement item, and its updated timestamp.
type ReceivedMutation struct {
	Model   string          `json:"model"`
	Key     string          `json:"key"`
	Item    json.RawMessage `json:"item"`
	Updated string          `json:"updated"`
}

// ApplyReceived parses and applies one cloud-originated mutation. op is
// the topic-suffix operation spec.md §4.6 dispatches on: INSERT, REMOVE,
// UPSERT, or MODIFY. Stale updates (per ShouldApply) are discarded;
// applied mutations are written with Bypass=true so they are not
// recaptured and re-published (echo prevention).
func ApplyReceived(ctx context.Context, st *store.Store, op string, payload []byte) error {
	var rm ReceivedMutation
	if err := json.Unmarshal(payload, &rm); err != nil {
		return agenterr.Wrap(agenterr.CantRead, "sync", "ApplyReceived", err)
	}
	if rm.Model == "" || rm.Key == "" {
		return agenterr.New(agenterr.BadArgs, "sync", "ApplyReceived", "sync message missing model/key")
	}

	_, currentUpdated, haveCurrent, err := st.Get(ctx, rm.Model, rm.Key)
	if err != nil {
		return err
	}
	if !ShouldApply(rm.Updated, currentUpdated, haveCurrent) {
		return nil
	}

	params := store.Params{Bypass: true}
	switch op {
	case "REMOVE":
		return st.Delete(ctx, rm.Model, rm.Key, params)
	case "INSERT":
		return st.Put(ctx, rm.Model, rm.Key, rm.Item, params, store.CmdCreate)
	case "UPSERT", "MODIFY":
		return st.Put(ctx, rm.Model, rm.Key, rm.Item, params, store.CmdUpsert)
	default:
		return agenterr.New(agenterr.BadArgs, "sync", "ApplyReceived", "unrecognized sync op "+op)
	}
}

// FullSyncDown publishes the "request missed changes since" message
// (spec.md §4.6's ioSyncDown): {"lastSync": ISO}. The topic keeps the
// original's "syncUp" name (deprecated but unchanged on the cloud side)
// with basic-ingest wrapping, per spec.md §6.
func FullSyncDown(ctx context.Context, pub Publisher, deviceID string, lastSync time.Time) error {
	payload, err := json.Marshal(map[string]string{"lastSync": lastSync.UTC().Format(time.RFC3339)})
	if err != nil {
		return agenterr.Wrap(agenterr.BadArgs, "sync", "FullSyncDown", err)
	}
	topic := "$aws/rules/IotoDevice/ioto/service/" + deviceID + "/db/syncUp"
	return pub.Publish(ctx, topic, 1, payload)
}

// FullSyncUp iterates every sync-enabled record of model and re-emits it
// as an "update" change, then forces a flush (spec.md §4.6's
// "full-sync up").
func (e *Engine) FullSyncUp(ctx context.Context, st *store.Store, model string) error {
	err := st.Iterate(ctx, model, func(it store.Item) error {
		key := model + "#" + it.Key
		e.mu.Lock()
		e.changes[key] = &Change{
			Cmd:     store.CmdUpdate,
			Key:     key,
			Item:    json.RawMessage(it.JSON),
			Updated: it.Updated,
			DueAt:   time.Now(),
		}
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	return e.Flush(ctx, true)
}

// Len reports the current number of buffered (unacked) changes, for
// tests and metrics.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.changes)
}

// Get returns a copy of the change for key, if any — test/inspection helper.
func (e *Engine) Get(key string) (Change, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.changes[key]
	if !ok {
		return Change{}, false
	}
	return *c, true
}
