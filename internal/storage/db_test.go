package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newQueueItem(id, url string, pos int, status Status) *QueueItem {
	return &QueueItem{
		ID:       id,
		URL:      url,
		Status:   status,
		Position: pos,
	}
}

func TestQueueItemRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	item := newQueueItem("q1", "https://v/1", 1, StatusPending)
	item.Title = "First"
	item.FormatID = "137"
	item.OutputPath = "/tmp/first"
	require.NoError(t, s.CreateQueueItem(item))
	assert.False(t, item.CreatedAt.IsZero())

	got, err := s.GetQueueItem("q1")
	require.NoError(t, err)
	assert.Equal(t, "https://v/1", got.URL)
	assert.Equal(t, "First", got.Title)
	assert.Equal(t, "137", got.FormatID)
	assert.Equal(t, StatusPending, got.Status)

	got.Progress = 42.5
	got.Status = StatusDownloading
	require.NoError(t, s.SaveQueueItem(&got))

	reread, err := s.GetQueueItem("q1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, reread.Progress)
	assert.Equal(t, StatusDownloading, reread.Status)

	_, err = s.GetQueueItem("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateQueueItemRejectsUnknownStatus(t *testing.T) {
	s := newTestStorage(t)

	err := s.CreateQueueItem(newQueueItem("q1", "https://v/1", 1, Status("exploded")))
	assert.Error(t, err)
}

func TestListQueueOrderingAndFiltering(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.CreateQueueItem(newQueueItem("c", "https://v/3", 3, StatusCompleted)))
	require.NoError(t, s.CreateQueueItem(newQueueItem("a", "https://v/1", 1, StatusPending)))
	require.NoError(t, s.CreateQueueItem(newQueueItem("b", "https://v/2", 2, StatusPaused)))

	active, err := s.ListQueue(false)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)

	all, err := s.ListQueue(true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListQueueFailsLoudlyOnForeignStatus(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.CreateQueueItem(newQueueItem("a", "https://v/1", 1, StatusPending)))

	// Corrupt the row behind the model's back.
	require.NoError(t, s.DB.Exec("UPDATE download_queue SET status = 'exploded' WHERE id = 'a'").Error)

	_, err := s.ListQueue(true)
	assert.Error(t, err)
	_, err = s.GetQueueItem("a")
	assert.Error(t, err)
}

func TestNextPosition(t *testing.T) {
	s := newTestStorage(t)

	pos, err := s.NextPosition()
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	require.NoError(t, s.CreateQueueItem(newQueueItem("a", "https://v/1", 1, StatusPending)))
	require.NoError(t, s.CreateQueueItem(newQueueItem("b", "https://v/2", 7, StatusCompleted)))

	pos, err = s.NextPosition()
	require.NoError(t, err)
	assert.Equal(t, 8, pos)
}

func TestShiftPositions(t *testing.T) {
	s := newTestStorage(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.CreateQueueItem(newQueueItem(id, "https://v/"+id, i+1, StatusPending)))
	}

	// Closing the gap after removing position 2.
	require.NoError(t, s.DeleteQueueItem("b"))
	require.NoError(t, s.ShiftPositionsAfter(2))

	items, err := s.ListQueue(false)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, i+1, it.Position)
	}

	// Opening a gap at the head.
	require.NoError(t, s.ShiftPositionRange(1, 3, +1))
	items, err = s.ListQueue(false)
	require.NoError(t, err)
	assert.Equal(t, 2, items[0].Position)
}

func TestDeleteTerminalItems(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.CreateQueueItem(newQueueItem("a", "https://v/1", 1, StatusPending)))
	require.NoError(t, s.CreateQueueItem(newQueueItem("b", "https://v/2", 2, StatusCompleted)))
	require.NoError(t, s.CreateQueueItem(newQueueItem("c", "https://v/3", 3, StatusCancelled)))

	n, err := s.DeleteTerminalItems()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := s.ListQueue(true)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "a", remaining[0].ID)
}

func TestFirstPendingAndCounts(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.CreateQueueItem(newQueueItem("late", "https://v/2", 5, StatusPending)))
	require.NoError(t, s.CreateQueueItem(newQueueItem("early", "https://v/1", 2, StatusPending)))
	require.NoError(t, s.CreateQueueItem(newQueueItem("busy", "https://v/0", 1, StatusDownloading)))

	first, err := s.FirstPending()
	require.NoError(t, err)
	assert.Equal(t, "early", first.ID)

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[StatusPending])
	assert.Equal(t, int64(1), counts[StatusDownloading])

	active, err := s.CountActive()
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := newTestStorage(t)

	err := s.Transaction(func(tx *Storage) error {
		if err := tx.CreateQueueItem(newQueueItem("a", "https://v/1", 1, StatusPending)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = s.GetQueueItem("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistorySearchAndPagination(t *testing.T) {
	s := newTestStorage(t)

	base := time.Now().UTC()
	entries := []HistoryEntry{
		{ID: "h1", URL: "https://v/1", Title: "Go Concurrency", Uploader: "gopher", DownloadedAt: base.Add(-2 * time.Hour)},
		{ID: "h2", URL: "https://v/2", Title: "Cooking Pasta", Uploader: "chef", DownloadedAt: base.Add(-time.Hour)},
		{ID: "h3", URL: "https://v/3", Title: "GOLANG tips", Uploader: "gopher", DownloadedAt: base},
	}
	for i := range entries {
		require.NoError(t, s.CreateHistoryEntry(&entries[i]))
	}

	got, err := s.SearchHistory("go", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, "h3", got[0].ID)
	assert.Equal(t, "h1", got[1].ID)

	got, err = s.SearchHistory("", 2, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "h2", got[0].ID)

	n, err := s.CountHistory("gopher")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLatestHistoryByURL(t *testing.T) {
	s := newTestStorage(t)

	old := HistoryEntry{ID: "old", URL: "https://v/dup", DownloadedAt: time.Now().UTC().Add(-time.Hour)}
	recent := HistoryEntry{ID: "recent", URL: "https://v/dup", DownloadedAt: time.Now().UTC()}
	require.NoError(t, s.CreateHistoryEntry(&old))
	require.NoError(t, s.CreateHistoryEntry(&recent))

	got, err := s.LatestHistoryByURL("https://v/dup")
	require.NoError(t, err)
	assert.Equal(t, "recent", got.ID)

	_, err = s.LatestHistoryByURL("https://v/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndClearHistory(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.CreateHistoryEntry(&HistoryEntry{ID: "h1", URL: "https://v/1"}))
	require.NoError(t, s.CreateHistoryEntry(&HistoryEntry{ID: "h2", URL: "https://v/2"}))

	ok, err := s.DeleteHistoryEntry("h1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteHistoryEntry("h1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ClearHistory()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPreferences(t *testing.T) {
	s := newTestStorage(t)

	v, err := s.GetPreference("default_format")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetPreference("default_format", "720p"))
	require.NoError(t, s.SetPreference("default_format", "1080p"))

	v, err = s.GetPreference("default_format")
	require.NoError(t, err)
	assert.Equal(t, "1080p", v)
}

func TestCheckFileExists(t *testing.T) {
	e := HistoryEntry{FilePath: ""}
	e.CheckFileExists()
	assert.False(t, e.FileExists)

	e.FilePath = "/definitely/not/a/real/path.mp4"
	e.CheckFileExists()
	assert.False(t, e.FileExists)
}
