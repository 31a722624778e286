// Package analytics aggregates download history into usage statistics
// and disk space information.
package analytics

import (
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"vidfarm/internal/storage"
)

// DiskUsageInfo holds disk space information
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot holds the aggregated statistics served to clients.
type Snapshot struct {
	TotalBytes   int64               `json:"total_bytes"`
	TotalFiles   int64               `json:"total_files"`
	DailyHistory []storage.DailyStat `json:"daily_history"`
	DiskUsage    DiskUsageInfo       `json:"disk_usage"`
}

// StatsManager derives statistics from the download history store.
// Unlike the queue, statistics are read-only aggregates; nothing here
// mutates rows.
type StatsManager struct {
	storage      *storage.Storage
	downloadDir  string
	currentSpeed int64 // atomic, bytes/sec
}

// NewStatsManager creates a stats manager over the history store.
// downloadDir determines which filesystem disk usage is reported for.
func NewStatsManager(s *storage.Storage, downloadDir string) *StatsManager {
	return &StatsManager{
		storage:     s,
		downloadDir: downloadDir,
	}
}

// UpdateDownloadSpeed updates the current global download speed (atomic)
func (sm *StatsManager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&sm.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the instant speed
func (sm *StatsManager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&sm.currentSpeed)
}

// GetLifetimeStats returns total files and bytes ever downloaded.
func (sm *StatsManager) GetLifetimeStats() (files, bytes int64, err error) {
	return sm.storage.HistoryTotals()
}

// GetDailyStats returns per-day aggregates for the last N days.
func (sm *StatsManager) GetDailyStats(days int) ([]storage.DailyStat, error) {
	return sm.storage.DailyHistoryStats(days)
}

// GetDiskUsage returns disk space info for the download directory's
// filesystem. Zeros on error; statistics are best-effort.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	if sm.downloadDir == "" {
		return DiskUsageInfo{}
	}
	usage, err := disk.Usage(sm.downloadDir)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetSnapshot returns comprehensive statistics in one call.
func (sm *StatsManager) GetSnapshot() Snapshot {
	files, bytes, err := sm.storage.HistoryTotals()
	if err != nil {
		files, bytes = 0, 0
	}
	daily, err := sm.storage.DailyHistoryStats(7)
	if err != nil {
		daily = nil
	}

	return Snapshot{
		TotalBytes:   bytes,
		TotalFiles:   files,
		DailyHistory: daily,
		DiskUsage:    sm.GetDiskUsage(),
	}
}
