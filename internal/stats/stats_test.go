package stats

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "statistics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndLoad(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.RecordRequest("claude-sonnet-4-20250514", 100, 50))
	require.NoError(t, store.RecordRequest("claude-sonnet-4-20250514", 10, 5))
	require.NoError(t, store.RecordRequest("claude-opus-4-20250514", 1, 2))

	snapshot, err := store.Load()
	require.NoError(t, err)

	assert.Equal(t, int64(3), snapshot.TotalRequests)
	sonnet := snapshot.Models["claude-sonnet-4-20250514"]
	assert.Equal(t, int64(2), sonnet.Requests)
	assert.Equal(t, int64(110), sonnet.InputTokens)
	assert.Equal(t, int64(55), sonnet.OutputTokens)
	assert.Equal(t, int64(1), snapshot.Models["claude-opus-4-20250514"].Requests)
}

func TestCountersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statistics.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordRequest("claude-sonnet-4-20250514", 7, 3))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	snapshot, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.TotalRequests)
	assert.Equal(t, int64(7), snapshot.Models["claude-sonnet-4-20250514"].InputTokens)
}

func TestDisabledStoreIsNoop(t *testing.T) {
	store := NewDisabled()
	require.NoError(t, store.RecordRequest("claude-sonnet-4-20250514", 1, 1))

	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.TotalRequests)
	assert.Empty(t, snapshot.Models)
	require.NoError(t, store.Close())
}
