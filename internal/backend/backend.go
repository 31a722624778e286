// Package backend defines the contract with the video extraction
// engine. The queue manager and the playlist handler only ever talk to
// this interface; they never parse extractor output themselves.
package backend

import (
	"context"
	"fmt"
	"strings"
)

// ProgressFunc receives download progress updates. The terminal call
// carries StatusCompleted or StatusFailed.
type ProgressFunc func(p Progress)

// VideoBackend performs the actual network extraction and file
// transfer. Implementations typically wrap an external extractor
// binary or library.
type VideoBackend interface {
	// ExtractInfo returns metadata and the available formats for a
	// single video URL.
	ExtractInfo(ctx context.Context, url string) (VideoInfo, error)

	// Download transfers the video to outputPath, invoking onProgress
	// as bytes arrive. formatID may be empty for "best available".
	// Returns the path of the finished file.
	Download(ctx context.Context, url, outputPath, formatID string, onProgress ProgressFunc) (string, error)

	// ExtractPlaylist returns a flat entry list for a playlist URL.
	ExtractPlaylist(ctx context.Context, url string) ([]VideoInfo, error)

	// IsPlaylist probes whether the URL resolves to a playlist.
	IsPlaylist(ctx context.Context, url string) bool

	// GetPlaylistInfo returns playlist metadata without enumerating
	// every entry.
	GetPlaylistInfo(ctx context.Context, url string) (PlaylistInfo, error)
}

// TransferStatus is the state reported in a progress update.
type TransferStatus string

const (
	StatusPending     TransferStatus = "pending"
	StatusDownloading TransferStatus = "downloading"
	StatusCompleted   TransferStatus = "completed"
	StatusFailed      TransferStatus = "failed"
)

// Progress is one progress update from an in-flight transfer.
type Progress struct {
	Status          TransferStatus
	DownloadedBytes int64
	TotalBytes      int64 // 0 when unknown
	Speed           float64
	ETA             int // seconds, 0 when unknown
	Percent         float64
	Filename        string
}

// SpeedString renders the transfer speed for display.
func (p Progress) SpeedString() string {
	switch {
	case p.Speed >= 1024*1024:
		return fmt.Sprintf("%.1f MB/s", p.Speed/(1024*1024))
	case p.Speed >= 1024:
		return fmt.Sprintf("%.1f KB/s", p.Speed/1024)
	case p.Speed > 0:
		return fmt.Sprintf("%.0f B/s", p.Speed)
	}
	return "unknown"
}

// VideoFormat is one encoding/container/quality variant offered for a
// source video.
type VideoFormat struct {
	FormatID     string
	Extension    string
	Resolution   string // e.g. "1080p"; empty for audio-only
	Filesize     int64  // bytes, 0 when unknown
	Codec        string
	VCodec       string
	ACodec       string
	IsAudioOnly  bool
	Quality      int // resolution height, or bitrate when height is absent
	FPS          int
	AudioBitrate float64 // kbps
}

// DisplayName builds a human-readable label for format pickers.
func (f VideoFormat) DisplayName() string {
	var parts []string
	if f.Resolution != "" {
		parts = append(parts, f.Resolution)
	}
	if f.FPS > 0 {
		parts = append(parts, fmt.Sprintf("%dfps", f.FPS))
	}
	if f.Extension != "" {
		parts = append(parts, strings.ToUpper(f.Extension))
	}
	if f.IsAudioOnly {
		parts = append(parts, "(audio only)")
	}
	if f.Filesize > 0 {
		parts = append(parts, fmt.Sprintf("~%.1fMB", float64(f.Filesize)/(1024*1024)))
	}
	if len(parts) == 0 {
		return f.FormatID
	}
	return strings.Join(parts, " - ")
}

// VideoInfo is the metadata for a single video, possibly carrying
// playlist-membership fields when it came from a playlist enumeration.
type VideoInfo struct {
	URL      string
	Title    string
	Uploader string
	Duration int // seconds
	Formats  []VideoFormat

	PlaylistIndex int // 1-indexed, 0 when not from a playlist
	PlaylistTitle string
	PlaylistCount int
}

// DurationString renders the duration as H:MM:SS or M:SS.
func (v VideoInfo) DurationString() string {
	if v.Duration <= 0 {
		return "unknown"
	}
	h := v.Duration / 3600
	m := (v.Duration % 3600) / 60
	s := v.Duration % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// PlaylistInfo is playlist-level metadata.
type PlaylistInfo struct {
	Title    string
	Uploader string
	Count    int
}
