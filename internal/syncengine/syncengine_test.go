package syncengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bifrost-iot/device-agent/internal/store"
)

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) last() (string, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.topics)
	if n == 0 {
		return "", nil
	}
	return f.topics[n-1], f.payloads[n-1]
}

func newEngine(t *testing.T) (*Engine, *SyncLog, *fakePublisher) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "device.db.sync")
	sl, err := OpenSyncLog(logPath)
	require.NoError(t, err)
	t.Cleanup(func() { sl.Close() })

	pub := &fakePublisher{}
	e := New(sl, pub, Options{DeviceID: "dev123456"})
	return e, sl, pub
}

func TestCaptureThenForceFlushPublishesToSyncToDynamoTopic(t *testing.T) {
	e, _, pub := newEngine(t)

	require.NoError(t, e.Capture("Sensor", []byte(`{"id":"s1","v":1}`), false, store.CmdCreate, "Sensor#s1"))
	require.NoError(t, e.Flush(context.Background(), true))

	topic, payload := pub.last()
	require.Equal(t, "$aws/rules/IotoDevice/ioto/service/dev123456/db/syncToDynamo", topic)
	require.Contains(t, string(payload), `"cmd":"create"`)
	require.Contains(t, string(payload), `"key":"Sensor#s1"`)
}

func TestAtMostOneChangePerKey(t *testing.T) {
	e, _, _ := newEngine(t)
	require.NoError(t, e.Capture("Sensor", []byte(`{"v":1}`), false, store.CmdCreate, "k1"))
	require.NoError(t, e.Capture("Sensor", []byte(`{"v":2}`), false, store.CmdUpdate, "k1"))
	require.Equal(t, 1, e.Len())
	c, ok := e.Get("k1")
	require.True(t, ok)
	require.JSONEq(t, `{"v":2}`, string(c.Item))
}

func TestOverwriteAfterPublishGetsFreshSeqAndOldAckIgnored(t *testing.T) {
	e, _, _ := newEngine(t)
	require.NoError(t, e.Capture("Sensor", []byte(`{"v":1}`), false, store.CmdCreate, "Sensor#s1"))
	require.NoError(t, e.Flush(context.Background(), true))

	c, ok := e.Get("Sensor#s1")
	require.True(t, ok)
	firstSeq := c.Seq
	require.NotZero(t, firstSeq)

	// S4: update issued before the ack for the first seq arrives.
	require.NoError(t, e.Capture("Sensor", []byte(`{"v":2}`), false, store.CmdUpdate, "Sensor#s1"))
	c2, ok := e.Get("Sensor#s1")
	require.True(t, ok)
	require.Equal(t, int64(0), c2.Seq, "overwritten change must wait for a fresh seq")

	ack, _ := json.Marshal(ackPayload{Seq: firstSeq, Keys: []string{"Sensor#s1"}})
	require.NoError(t, e.HandleAck(ack))

	// The stale ack must not have freed the newer, unpublished change.
	require.Equal(t, 1, e.Len())
	c3, _ := e.Get("Sensor#s1")
	require.JSONEq(t, `{"v":2}`, string(c3.Item))
}

func TestAckDrainsBufferAndTruncatesLog(t *testing.T) {
	e, sl, _ := newEngine(t)
	require.NoError(t, e.Capture("Sensor", []byte(`{"v":1}`), false, store.CmdCreate, "Sensor#s1"))
	require.NoError(t, e.Flush(context.Background(), true))

	c, _ := e.Get("Sensor#s1")
	ack, _ := json.Marshal(ackPayload{Seq: c.Seq, Keys: []string{"Sensor#s1"}})
	require.NoError(t, e.HandleAck(ack))

	require.Equal(t, 0, e.Len())
	info, err := sl.file.Stat()
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestBypassCaptureIsNotBuffered(t *testing.T) {
	e, _, _ := newEngine(t)
	require.NoError(t, e.Capture("Sensor", []byte(`{"v":1}`), true, store.CmdUpdate, "Sensor#s1"))
	require.Equal(t, 0, e.Len())
}

func TestRecoverReplaysLogIntoBuffer(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "device.db.sync")
	sl, err := OpenSyncLog(logPath)
	require.NoError(t, err)

	require.NoError(t, sl.Append("create", `{"v":1}`, "Sensor#s1", time.Now().Format(time.RFC3339Nano)))
	require.NoError(t, sl.Append("update", `{"v":2}`, "Sensor#s1", time.Now().Format(time.RFC3339Nano)))
	sl.Close()

	sl2, err := OpenSyncLog(logPath)
	require.NoError(t, err)
	pub := &fakePublisher{}
	e := New(sl2, pub, Options{DeviceID: "dev1"})
	require.NoError(t, e.Recover(logPath))

	require.Equal(t, 1, e.Len())
	c, ok := e.Get("Sensor#s1")
	require.True(t, ok)
	require.JSONEq(t, `{"v":2}`, string(c.Item))
}

func TestShouldApplySuppressesStaleUpdate(t *testing.T) {
	require.True(t, ShouldApply("2026-07-31T00:00:02Z", "2026-07-31T00:00:01Z", true))
	require.False(t, ShouldApply("2026-07-31T00:00:00Z", "2026-07-31T00:00:01Z", true))
	require.True(t, ShouldApply("2026-07-31T00:00:00Z", "", false))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestApplyReceivedInsertWritesWithBypass(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	var gotBypass bool
	st.OnCommit(func(model, key string, item []byte, params store.Params, cmd store.Cmd) {
		gotBypass = params.Bypass
	})

	msg, _ := json.Marshal(ReceivedMutation{Model: "Sensor", Key: "s1", Item: json.RawMessage(`{"id":"s1","v":1}`), Updated: "2026-07-31T00:00:01Z"})
	require.NoError(t, ApplyReceived(ctx, st, "INSERT", msg))

	data, _, ok, err := st.Get(ctx, "Sensor", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"s1","v":1}`, string(data))
	require.True(t, gotBypass)
}

func TestApplyReceivedDiscardsStaleUpdate(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "Sensor", "s1", map[string]any{"v": 2}, store.Params{}, store.CmdCreate))
	_, updatedBefore, _, err := st.Get(ctx, "Sensor", "s1")
	require.NoError(t, err)

	stale, _ := json.Marshal(ReceivedMutation{Model: "Sensor", Key: "s1", Item: json.RawMessage(`{"v":1}`), Updated: "2000-01-01T00:00:00Z"})
	require.NoError(t, ApplyReceived(ctx, st, "UPSERT", stale))

	data, updatedAfter, ok, err := st.Get(ctx, "Sensor", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"v":2}`, string(data))
	require.Equal(t, updatedBefore, updatedAfter)
}

func TestFullSyncDownPublishesLastSync(t *testing.T) {
	pub := &fakePublisher{}
	when := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, FullSyncDown(context.Background(), pub, "dev123456", when))

	topic, payload := pub.last()
	require.Equal(t, "$aws/rules/IotoDevice/ioto/service/dev123456/db/syncUp", topic)
	require.Contains(t, string(payload), `"lastSync":"2026-07-31T00:00:00Z"`)
}

func TestFullSyncUpReemitsEveryRecordAndFlushes(t *testing.T) {
	e, _, pub := newEngine(t)
	st := openStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "Sensor", "s1", map[string]any{"v": 1}, store.Params{}, store.CmdCreate))
	require.NoError(t, st.Put(ctx, "Sensor", "s2", map[string]any{"v": 2}, store.Params{}, store.CmdCreate))

	require.NoError(t, e.FullSyncUp(ctx, st, "Sensor"))

	require.Equal(t, 2, e.Len(), "records remain buffered, awaiting a cloud ack")
	c, ok := e.Get("Sensor#s1")
	require.True(t, ok)
	require.NotZero(t, c.Seq, "FullSyncUp forces an immediate flush")
	topic, payload := pub.last()
	require.Equal(t, "$aws/rules/IotoDevice/ioto/service/dev123456/db/syncToDynamo", topic)
	require.Contains(t, string(payload), `"key":"Sensor#s1"`)
	require.Contains(t, string(payload), `"key":"Sensor#s2"`)
}

func TestApplyReceivedRemove(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "Sensor", "s1", map[string]any{"v": 1}, store.Params{}, store.CmdCreate))

	newer := time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	msg, _ := json.Marshal(ReceivedMutation{Model: "Sensor", Key: "s1", Updated: newer})
	require.NoError(t, ApplyReceived(ctx, st, "REMOVE", msg))

	_, _, ok, err := st.Get(ctx, "Sensor", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}
