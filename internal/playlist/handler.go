// Package playlist orchestrates batch downloads of playlist entries.
// Batches run outside the persisted queue; each entry succeeds or
// fails on its own and the outcome is collected, never raised.
package playlist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"

	"vidfarm/internal/backend"
	"vidfarm/internal/errdefs"
)

const (
	minWorkers = 1
	maxWorkers = 5

	// diskUsageThreshold is the used-space percentage above which a
	// batch refuses to start.
	diskUsageThreshold = 95.0

	summaryURLLimit = 50
)

// playlistMarkers are URL shapes that identify playlists on common
// platforms without a network probe.
var playlistMarkers = []string{
	"playlist?list=",
	"&list=",
	"?list=",
	"/playlist/",
	"/sets/",
	"/album/",
}

// ProgressFunc is invoked after each entry finishes, success or
// failure. completed counts both.
type ProgressFunc func(url string, completed, total int)

// HistorySinkFunc receives each successfully downloaded entry, letting
// the caller record batch results in the download history.
type HistorySinkFunc func(video backend.VideoInfo, filePath string)

// Failure is one entry that could not be downloaded.
type Failure struct {
	URL   string
	Error string
}

// BatchResult is the outcome of a DownloadBatch run.
type BatchResult struct {
	Total     int
	Successes []string // finished file paths
	Failures  []Failure
}

// SuccessCount returns the number of entries that finished.
func (r BatchResult) SuccessCount() int { return len(r.Successes) }

// FailureCount returns the number of entries that failed.
func (r BatchResult) FailureCount() int { return len(r.Failures) }

// Summary renders a human-readable batch report, one line per failure.
func (r BatchResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d downloaded", r.SuccessCount(), r.Total)
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, ", %d failed:", len(r.Failures))
		for _, f := range r.Failures {
			url := f.URL
			if len(url) > summaryURLLimit {
				url = url[:summaryURLLimit-3] + "..."
			}
			fmt.Fprintf(&b, "\n  %s: %s", url, f.Error)
		}
	}
	return b.String()
}

// diskUsageFunc reports filesystem usage for a path. Swappable in
// tests.
type diskUsageFunc func(path string) (*disk.UsageStat, error)

// Handler enumerates playlists and runs bounded-concurrency batch
// downloads against the backend.
type Handler struct {
	backend     backend.VideoBackend
	log         *slog.Logger
	diskUsage   diskUsageFunc
	historySink HistorySinkFunc
}

// NewHandler builds a playlist Handler.
func NewHandler(b backend.VideoBackend, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		backend:   b,
		log:       log,
		diskUsage: disk.Usage,
	}
}

// SetHistorySink registers a callback that records each successful
// entry.
func (h *Handler) SetHistorySink(sink HistorySinkFunc) {
	h.historySink = sink
}

// IsPlaylist reports whether url refers to a playlist. Well-known URL
// shapes answer immediately; anything inconclusive falls back to a
// backend probe.
func (h *Handler) IsPlaylist(ctx context.Context, url string) bool {
	lower := strings.ToLower(url)
	for _, marker := range playlistMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return h.backend.IsPlaylist(ctx, url)
}

// EnumeratePlaylist lists a playlist's entries with 1-indexed playlist
// membership fields filled in.
func (h *Handler) EnumeratePlaylist(ctx context.Context, url string) ([]backend.VideoInfo, error) {
	if strings.TrimSpace(url) == "" {
		return nil, &errdefs.PlaylistError{Msg: "playlist url must not be empty"}
	}

	videos, err := h.backend.ExtractPlaylist(ctx, url)
	if err != nil {
		return nil, &errdefs.PlaylistError{URL: url, Msg: "extraction failed", Err: err}
	}
	if len(videos) == 0 {
		return nil, &errdefs.PlaylistError{URL: url, Msg: "playlist is empty or inaccessible"}
	}

	for i := range videos {
		if videos[i].PlaylistIndex == 0 {
			videos[i].PlaylistIndex = i + 1
		}
		if videos[i].PlaylistCount == 0 {
			videos[i].PlaylistCount = len(videos)
		}
	}
	h.log.Info("enumerated playlist", "url", url, "entries", len(videos))
	return videos, nil
}

// GetRange selects the 1-indexed inclusive slice [start, end] of
// videos. end beyond the list is clamped; start beyond the list is an
// error.
func (h *Handler) GetRange(videos []backend.VideoInfo, start, end int) ([]backend.VideoInfo, error) {
	if start < 1 {
		return nil, errdefs.Validationf("range start must be at least 1, got %d", start)
	}
	if end < start {
		return nil, errdefs.Validationf("range end %d precedes start %d", end, start)
	}
	if start > len(videos) {
		return nil, &errdefs.PlaylistError{Msg: fmt.Sprintf("range start %d exceeds playlist length %d", start, len(videos))}
	}
	if end > len(videos) {
		end = len(videos)
	}
	return videos[start-1 : end], nil
}

// DownloadBatch fetches videos with up to maxConcurrent parallel
// workers and blocks until every entry has been attempted. One entry's
// failure never affects the others.
func (h *Handler) DownloadBatch(ctx context.Context, videos []backend.VideoInfo, outputDir, formatID string, maxConcurrent int, onProgress ProgressFunc) (BatchResult, error) {
	result := BatchResult{Total: len(videos)}
	if len(videos) == 0 {
		return result, nil
	}

	if err := h.checkDiskSpace(outputDir); err != nil {
		return result, err
	}

	workers := maxConcurrent
	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		completed int
		sem       = make(chan struct{}, workers)
	)

	for _, video := range videos {
		wg.Add(1)
		go func(video backend.VideoInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			path, err := h.downloadOne(ctx, video, outputDir, formatID)

			mu.Lock()
			if err != nil {
				result.Failures = append(result.Failures, Failure{URL: video.URL, Error: err.Error()})
			} else {
				result.Successes = append(result.Successes, path)
			}
			completed++
			// Progress is reported under the lock so observers see
			// completed counts in order.
			if onProgress != nil {
				onProgress(video.URL, completed, len(videos))
			}
			mu.Unlock()

			if err == nil && h.historySink != nil {
				h.historySink(video, path)
			}
		}(video)
	}
	wg.Wait()

	h.log.Info("batch finished",
		"total", result.Total,
		"succeeded", result.SuccessCount(),
		"failed", result.FailureCount(),
	)
	return result, nil
}

func (h *Handler) downloadOne(ctx context.Context, video backend.VideoInfo, outputDir, formatID string) (string, error) {
	outputPath := filepath.Join(outputDir, entryFilename(video))
	path, err := h.backend.Download(ctx, video.URL, outputPath, formatID, nil)
	if err != nil {
		h.log.Warn("batch entry failed", "url", video.URL, "kind", backend.KindOf(err), "error", err)
		return "", err
	}
	return path, nil
}

// entryFilename derives a safe output filename stem for one entry.
func entryFilename(video backend.VideoInfo) string {
	name := sanitizeFilename(video.Title)
	if name == "" {
		name = fmt.Sprintf("entry-%03d", video.PlaylistIndex)
	}
	return name
}

// sanitizeFilename strips path separators and characters that are
// unsafe on common filesystems.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	return strings.TrimSpace(replacer.Replace(name))
}

// checkDiskSpace refuses a batch when the output filesystem is nearly
// full. An unreadable filesystem is not fatal; the downloads will
// surface their own errors.
func (h *Handler) checkDiskSpace(outputDir string) error {
	usage, err := h.diskUsage(outputDir)
	if err != nil {
		h.log.Warn("disk usage check failed", "dir", outputDir, "error", err)
		return nil
	}
	if usage.UsedPercent > diskUsageThreshold {
		return &errdefs.PlaylistError{
			Msg: fmt.Sprintf("output filesystem is %.1f%% full", usage.UsedPercent),
		}
	}
	return nil
}

// DownloadPlaylist enumerates url, optionally narrows to the 1-indexed
// inclusive range [start, end] (zero means unbounded on that side),
// and downloads the result as a batch.
func (h *Handler) DownloadPlaylist(ctx context.Context, url, outputDir, formatID string, start, end, maxConcurrent int, onProgress ProgressFunc) (BatchResult, error) {
	videos, err := h.EnumeratePlaylist(ctx, url)
	if err != nil {
		return BatchResult{}, err
	}

	if start > 0 || end > 0 {
		if start <= 0 {
			start = 1
		}
		if end <= 0 {
			end = len(videos)
		}
		videos, err = h.GetRange(videos, start, end)
		if err != nil {
			return BatchResult{}, err
		}
	}

	return h.DownloadBatch(ctx, videos, outputDir, formatID, maxConcurrent, onProgress)
}
