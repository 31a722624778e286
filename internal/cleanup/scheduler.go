// Package cleanup prunes abandoned partial-download artifacts from the
// download directory on a schedule.
package cleanup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// staleSuffixes mark files an interrupted transfer leaves behind.
var staleSuffixes = []string{".part", ".ytdl"}

// Scheduler runs an hourly sweep over a directory, deleting partial
// artifacts older than the TTL. Files younger than the TTL may belong
// to a paused download and are left alone.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
	dir    string
	ttl    time.Duration
}

// NewScheduler builds a Scheduler sweeping dir. ttl values below one
// minute are raised to one minute.
func NewScheduler(logger *slog.Logger, dir string, ttl time.Duration) *Scheduler {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &Scheduler{
		logger: logger,
		cron:   cron.New(),
		dir:    dir,
		ttl:    ttl,
	}
}

// Start begins hourly sweeps. The first sweep runs at the next full
// hour, not immediately; call Sweep directly for an eager pass.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc("0 * * * *", func() {
		if n := s.Sweep(); n > 0 {
			s.logger.Info("pruned partial files", "dir", s.dir, "count", n)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule. A sweep already in progress finishes.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Sweep deletes stale partial artifacts once, returning how many files
// were removed. Unreadable entries are skipped.
func (s *Scheduler) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("cleanup sweep failed", "dir", s.dir, "error", err)
		return 0
	}

	cutoff := time.Now().Add(-s.ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isStale(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove partial file", "path", path, "error", err)
			continue
		}
		s.logger.Debug("removed partial file", "path", path)
		removed++
	}
	return removed
}

func isStale(name string) bool {
	for _, suffix := range staleSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
