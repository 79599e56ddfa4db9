package jsonlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetDeleteSynchronous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home.jsonl")
	s, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("node-5", map[string]any{"status": "alive"}))
	v, ok := s.Get("node-5")
	require.True(t, ok)
	require.Equal(t, "alive", v.(map[string]any)["status"])

	require.NoError(t, s.Delete("node-5"))
	_, ok = s.Get("node-5")
	require.False(t, ok)
}

func TestReplaySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home.jsonl")

	s, err := Open(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("a", 1.0))
	require.NoError(t, s.Set("b", 2.0))
	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Close())

	reopened, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer reopened.Close()

	_, ok := reopened.Get("a")
	require.False(t, ok, "deleted key must not survive replay")
	v, ok := reopened.Get("b")
	require.True(t, ok)
	require.Equal(t, 2.0, v)
}

func TestReviverAppliesOnReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home.values.jsonl")
	type nodeValue struct {
		CommandClass int `json:"cc"`
		Value        int `json:"value"`
	}
	revive := func(key string, raw json.RawMessage) (any, error) {
		var v nodeValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	s, err := Open(path, 0, revive)
	require.NoError(t, err)
	require.NoError(t, s.Set("5-37-0-currentValue", nodeValue{CommandClass: 37, Value: 1}))
	require.NoError(t, s.Close())

	reopened, err := Open(path, 0, revive)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok := reopened.Get("5-37-0-currentValue")
	require.True(t, ok)
	require.Equal(t, nodeValue{CommandClass: 37, Value: 1}, v)
}

func TestCoalescedWritesDeferUntilFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home.jsonl")
	// A long throttle interval means Set only updates memory; the on-disk
	// log isn't appended to until Flush is called explicitly.
	s, err := Open(path, time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("k", "v"))

	fresh, err := Open(path, 0, nil)
	require.NoError(t, err)
	_, ok := fresh.Get("k")
	require.False(t, ok, "nothing durable before Flush")
	require.NoError(t, fresh.Close())

	require.NoError(t, s.Flush(context.Background()))

	fresh2, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer fresh2.Close()
	v, ok := fresh2.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestBackendNamesFilesByHomeID(t *testing.T) {
	dir := t.TempDir()
	b := Backend{Dir: dir}
	nc, err := b.OpenNetworkCache(0x12345678, nil)
	require.NoError(t, err)
	defer nc.Close()
	vdb, err := b.OpenValueDB(0x12345678, nil)
	require.NoError(t, err)
	defer vdb.Close()
	mdb, err := b.OpenMetadataDB(0x12345678, nil)
	require.NoError(t, err)
	defer mdb.Close()

	require.FileExists(t, filepath.Join(dir, "12345678.jsonl"))
	require.FileExists(t, filepath.Join(dir, "12345678.values.jsonl"))
	require.FileExists(t, filepath.Join(dir, "12345678.metadata.jsonl"))
}
