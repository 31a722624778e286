package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidfarm/internal/storage"
)

func newTestStats(t *testing.T) (*StatsManager, *storage.Storage) {
	t.Helper()
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewStatsManager(s, t.TempDir()), s
}

func TestLifetimeStats(t *testing.T) {
	sm, s := newTestStats(t)

	files, bytes, err := sm.GetLifetimeStats()
	require.NoError(t, err)
	assert.Zero(t, files)
	assert.Zero(t, bytes)

	now := time.Now().UTC()
	require.NoError(t, s.CreateHistoryEntry(&storage.HistoryEntry{ID: "h1", URL: "https://v/1", FileSize: 1000, DownloadedAt: now}))
	require.NoError(t, s.CreateHistoryEntry(&storage.HistoryEntry{ID: "h2", URL: "https://v/2", FileSize: 2500, DownloadedAt: now}))

	files, bytes, err = sm.GetLifetimeStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), files)
	assert.Equal(t, int64(3500), bytes)
}

func TestDailyStats(t *testing.T) {
	sm, s := newTestStats(t)

	now := time.Now().UTC()
	require.NoError(t, s.CreateHistoryEntry(&storage.HistoryEntry{ID: "h1", URL: "https://v/1", FileSize: 100, DownloadedAt: now}))
	require.NoError(t, s.CreateHistoryEntry(&storage.HistoryEntry{ID: "h2", URL: "https://v/2", FileSize: 200, DownloadedAt: now}))
	// Outside the window.
	require.NoError(t, s.CreateHistoryEntry(&storage.HistoryEntry{ID: "old", URL: "https://v/3", FileSize: 999, DownloadedAt: now.AddDate(0, 0, -30)}))

	daily, err := sm.GetDailyStats(7)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(2), daily[0].Files)
	assert.Equal(t, int64(300), daily[0].Bytes)
}

func TestSnapshot(t *testing.T) {
	sm, s := newTestStats(t)
	require.NoError(t, s.CreateHistoryEntry(&storage.HistoryEntry{ID: "h1", URL: "https://v/1", FileSize: 42, DownloadedAt: time.Now().UTC()}))

	snap := sm.GetSnapshot()
	assert.Equal(t, int64(1), snap.TotalFiles)
	assert.Equal(t, int64(42), snap.TotalBytes)
	assert.Len(t, snap.DailyHistory, 1)
}

func TestCurrentSpeed(t *testing.T) {
	sm, _ := newTestStats(t)
	sm.UpdateDownloadSpeed(1 << 20)
	assert.Equal(t, int64(1<<20), sm.GetCurrentSpeed())
}
