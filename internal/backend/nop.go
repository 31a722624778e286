package backend

import "context"

// Nop is a VideoBackend that refuses every operation. It stands in at
// the composition root until a real extractor adapter is linked, and
// doubles as a base for test fakes.
type Nop struct{}

var _ VideoBackend = Nop{}

func (Nop) ExtractInfo(ctx context.Context, url string) (VideoInfo, error) {
	return VideoInfo{}, NewDownloadError(KindUnsupported, url, "no video backend configured", nil)
}

func (Nop) Download(ctx context.Context, url, outputPath, formatID string, onProgress ProgressFunc) (string, error) {
	return "", NewDownloadError(KindUnsupported, url, "no video backend configured", nil)
}

func (Nop) ExtractPlaylist(ctx context.Context, url string) ([]VideoInfo, error) {
	return nil, NewDownloadError(KindUnsupported, url, "no video backend configured", nil)
}

func (Nop) IsPlaylist(ctx context.Context, url string) bool {
	return false
}

func (Nop) GetPlaylistInfo(ctx context.Context, url string) (PlaylistInfo, error) {
	return PlaylistInfo{}, NewDownloadError(KindUnsupported, url, "no video backend configured", nil)
}
