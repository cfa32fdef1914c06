package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "Sensor", "s1", map[string]any{"id": "s1", "v": 1.0}, Params{}, CmdCreate))

	data, _, ok, err := s.Get(ctx, "Sensor", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(data), `"id":"s1"`)
}

func TestCommitCallbackFires(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var gotModel, gotKey string
	var gotCmd Cmd
	s.OnCommit(func(model, key string, item []byte, params Params, cmd Cmd) {
		gotModel = model
		gotKey = key
		gotCmd = cmd
	})

	require.NoError(t, s.Put(ctx, "Sensor", "s1", map[string]any{"id": "s1"}, Params{}, CmdCreate))
	require.Equal(t, "Sensor", gotModel)
	require.Equal(t, "s1", gotKey)
	require.Equal(t, CmdCreate, gotCmd)
}

func TestDeleteInvokesRemoveCommit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "Sensor", "s1", map[string]any{"id": "s1"}, Params{}, CmdCreate))

	var gotCmd Cmd
	s.OnCommit(func(model, key string, item []byte, params Params, cmd Cmd) { gotCmd = cmd })
	require.NoError(t, s.Delete(ctx, "Sensor", "s1", Params{}))
	require.Equal(t, CmdRemove, gotCmd)

	_, _, ok, err := s.Get(ctx, "Sensor", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIterateOrdersByKey(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "Sensor", "b", map[string]any{"id": "b"}, Params{}, CmdCreate))
	require.NoError(t, s.Put(ctx, "Sensor", "a", map[string]any{"id": "a"}, Params{}, CmdCreate))

	var keys []string
	require.NoError(t, s.Iterate(ctx, "Sensor", func(it Item) error {
		keys = append(keys, it.Key)
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, keys)
}
