package cleanup

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
	return path
}

func TestSweepRemovesOnlyStalePartials(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(log, dir, time.Hour)

	stalePart := writeFile(t, dir, "video.mp4.part", 2*time.Hour)
	staleCtl := writeFile(t, dir, "video.mp4.ytdl", 2*time.Hour)
	freshPart := writeFile(t, dir, "active.mp4.part", time.Minute)
	finished := writeFile(t, dir, "done.mp4", 48*time.Hour)

	assert.Equal(t, 2, s.Sweep())

	assert.NoFileExists(t, stalePart)
	assert.NoFileExists(t, staleCtl)
	assert.FileExists(t, freshPart)
	assert.FileExists(t, finished)
}

func TestSweepMissingDirectory(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(log, "/nonexistent/dir", time.Hour)
	assert.Equal(t, 0, s.Sweep())
}

func TestSchedulerStartStop(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(log, t.TempDir(), 0)

	require.NoError(t, s.Start())
	s.Stop()
	assert.Equal(t, time.Minute, s.ttl)
}
