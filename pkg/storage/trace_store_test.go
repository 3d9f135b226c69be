package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T, ttl time.Duration) *TraceStore {
	t.Helper()
	store, err := NewTraceStore(filepath.Join(t.TempDir(), "traces.db"), ttl, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTraceStoreRecordAndRecent(t *testing.T) {
	store := newTestStore(t, 0)

	traces := []*FrameTrace{
		{SessionID: "a", Kind: KindCacheHit, FrameID: 1, Command: "MODEL_INFO", RequestSize: 128, ResponseSize: 512},
		{SessionID: "a", Kind: KindRelay, FrameID: 2, Command: "DATA", NumItems: 2, RequestSize: 4096, ResponseSize: 1024, Latency: 1500 * time.Microsecond},
		{SessionID: "b", Kind: KindRelay, FrameID: 1 << 63, Command: "DATA", NumItems: 1, Error: "upstream timed out"},
	}
	for _, tr := range traces {
		require.NoError(t, store.Record(tr))
		assert.NotZero(t, tr.ID)
		assert.NotZero(t, tr.CreatedAt)
	}

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	recent, err := store.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, traces[2], recent[0])
	assert.Equal(t, traces[1], recent[1])

	session, err := store.Session("a")
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, uint64(1), session[0].FrameID)
	assert.Equal(t, 1500*time.Microsecond, session[1].Latency)
}

func TestTraceStoreDeleteBefore(t *testing.T) {
	store := newTestStore(t, 0)

	old := time.Now().Add(-2 * time.Hour).Unix()
	require.NoError(t, store.Record(&FrameTrace{SessionID: "old", Kind: KindRelay, Command: "DATA", CreatedAt: old}))
	require.NoError(t, store.Record(&FrameTrace{SessionID: "new", Kind: KindRelay, Command: "DATA"}))

	deleted, err := store.DeleteBefore(time.Now().Add(-time.Hour).Unix())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	recent, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].SessionID)
}

func TestTraceStoreCleanupLoop(t *testing.T) {
	store := newTestStore(t, 2*time.Second)

	require.NoError(t, store.Record(&FrameTrace{
		SessionID: "expired",
		Kind:      KindRelay,
		Command:   "DATA",
		CreatedAt: time.Now().Add(-time.Minute).Unix(),
	}))

	assert.Eventually(t, func() bool {
		count, err := store.Count()
		return err == nil && count == 0
	}, 5*time.Second, 50*time.Millisecond)
}
