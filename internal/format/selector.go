// Package format ranks and filters the encoding variants a backend
// offers for a video, and resolves which one a download should use.
package format

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"vidfarm/internal/backend"
	"vidfarm/internal/errdefs"
)

// Preference keys persisted through the injected store.
const (
	prefDefaultFormat   = "default_format"
	prefPreferAudioOnly = "prefer_audio_only"
)

// DefaultPresets are the recognized values for the default-format
// preference.
var DefaultPresets = []string{"best", "1080p", "720p", "480p", "360p", "audio"}

// PreferenceStore persists user format preferences. *storage.Storage
// satisfies it.
type PreferenceStore interface {
	GetPreference(key string) (string, error)
	SetPreference(key, value string) error
}

// Selector picks formats using the backend's format listings and the
// user's persisted preferences.
type Selector struct {
	backend backend.VideoBackend
	prefs   PreferenceStore

	// Container priority tables, higher ranks first. Overridable for
	// deployments that prefer different containers.
	videoExtPriority map[string]int
	audioExtPriority map[string]int
}

// NewSelector builds a Selector with the standard container priority
// tables (mp4 > webm > mkv for video, m4a > mp3 > opus for audio).
func NewSelector(b backend.VideoBackend, prefs PreferenceStore) *Selector {
	return &Selector{
		backend:          b,
		prefs:            prefs,
		videoExtPriority: map[string]int{"mp4": 3, "webm": 2, "mkv": 1},
		audioExtPriority: map[string]int{"m4a": 3, "mp3": 2, "opus": 1},
	}
}

// SetExtensionPriorities replaces the container priority tables. Nil
// maps leave the corresponding table unchanged.
func (s *Selector) SetExtensionPriorities(video, audio map[string]int) {
	if video != nil {
		s.videoExtPriority = video
	}
	if audio != nil {
		s.audioExtPriority = audio
	}
}

// GetAvailableFormats lists the formats the backend offers for url,
// ranked best first.
func (s *Selector) GetAvailableFormats(ctx context.Context, url string) ([]backend.VideoFormat, error) {
	info, err := s.backend.ExtractInfo(ctx, url)
	if err != nil {
		return nil, &errdefs.FormatError{Msg: "failed to list formats for " + url, Err: err}
	}
	formats := make([]backend.VideoFormat, len(info.Formats))
	copy(formats, info.Formats)
	s.sortVideo(formats)
	return formats, nil
}

// GetBestFormat returns the top-ranked video format after the optional
// filters, or false when nothing qualifies. maxResolution of 0 means
// unrestricted; preferCodec matches case-insensitively against the
// codec names.
func (s *Selector) GetBestFormat(formats []backend.VideoFormat, maxResolution int, preferCodec string) (backend.VideoFormat, bool) {
	if len(formats) == 0 {
		return backend.VideoFormat{}, false
	}

	candidates := s.GetVideoFormats(formats)
	if len(candidates) == 0 {
		candidates = make([]backend.VideoFormat, len(formats))
		copy(candidates, formats)
		s.sortVideo(candidates)
	}

	if maxResolution > 0 {
		var kept []backend.VideoFormat
		for _, f := range candidates {
			if resolutionHeight(f.Resolution) <= maxResolution {
				kept = append(kept, f)
			}
		}
		candidates = kept
	}

	if preferCodec != "" {
		want := strings.ToLower(preferCodec)
		var kept []backend.VideoFormat
		for _, f := range candidates {
			codecs := strings.ToLower(f.Codec + " " + f.VCodec + " " + f.ACodec)
			if strings.Contains(codecs, want) {
				kept = append(kept, f)
			}
		}
		// Codec preference is best-effort, not a hard filter.
		if len(kept) > 0 {
			candidates = kept
		}
	}

	if len(candidates) == 0 {
		return backend.VideoFormat{}, false
	}
	return candidates[0], true
}

// GetVideoFormats returns the non-audio-only formats, ranked.
func (s *Selector) GetVideoFormats(formats []backend.VideoFormat) []backend.VideoFormat {
	var out []backend.VideoFormat
	for _, f := range formats {
		if !f.IsAudioOnly {
			out = append(out, f)
		}
	}
	s.sortVideo(out)
	return out
}

// GetAudioFormats returns the audio-only formats, ranked.
func (s *Selector) GetAudioFormats(formats []backend.VideoFormat) []backend.VideoFormat {
	var out []backend.VideoFormat
	for _, f := range formats {
		if f.IsAudioOnly {
			out = append(out, f)
		}
	}
	s.sortAudio(out)
	return out
}

// GetBestAudioFormat returns the top-ranked audio-only format, or
// false when there is none.
func (s *Selector) GetBestAudioFormat(formats []backend.VideoFormat) (backend.VideoFormat, bool) {
	audio := s.GetAudioFormats(formats)
	if len(audio) == 0 {
		return backend.VideoFormat{}, false
	}
	return audio[0], true
}

// GetFormatsByResolution returns the video formats whose resolution
// height matches exactly, ranked.
func (s *Selector) GetFormatsByResolution(formats []backend.VideoFormat, resolution int) []backend.VideoFormat {
	var out []backend.VideoFormat
	for _, f := range s.GetVideoFormats(formats) {
		if resolutionHeight(f.Resolution) == resolution {
			out = append(out, f)
		}
	}
	return out
}

// GetFormatForDownload resolves the format a download of url should
// use. An explicit formatID wins when the backend offers it; otherwise
// the persisted preferences decide, and the best video format is the
// final fallback. Returns false when the backend offers no formats at
// all.
func (s *Selector) GetFormatForDownload(ctx context.Context, url, formatID string) (backend.VideoFormat, bool, error) {
	formats, err := s.GetAvailableFormats(ctx, url)
	if err != nil {
		return backend.VideoFormat{}, false, err
	}
	if len(formats) == 0 {
		return backend.VideoFormat{}, false, nil
	}

	if formatID != "" {
		for _, f := range formats {
			if f.FormatID == formatID {
				return f, true, nil
			}
		}
	}

	audioOnly, err := s.GetPreferAudioOnly()
	if err != nil {
		return backend.VideoFormat{}, false, err
	}
	if audioOnly {
		if f, ok := s.GetBestAudioFormat(formats); ok {
			return f, true, nil
		}
	}

	preset, err := s.GetDefaultFormat()
	if err != nil {
		return backend.VideoFormat{}, false, err
	}
	if f, ok := s.applyPreset(formats, preset); ok {
		return f, true, nil
	}

	f, ok := s.GetBestFormat(formats, 0, "")
	return f, ok, nil
}

func (s *Selector) applyPreset(formats []backend.VideoFormat, preset string) (backend.VideoFormat, bool) {
	switch preset {
	case "", "best":
		return backend.VideoFormat{}, false
	case "audio":
		return s.GetBestAudioFormat(formats)
	default:
		height, err := strconv.Atoi(strings.TrimSuffix(preset, "p"))
		if err != nil {
			return backend.VideoFormat{}, false
		}
		return s.GetBestFormat(formats, height, "")
	}
}

// SetDefaultFormat persists the default-format preset.
func (s *Selector) SetDefaultFormat(preset string) error {
	if !validPreset(preset) {
		return errdefs.Validationf("unknown format preset %q", preset)
	}
	return s.prefs.SetPreference(prefDefaultFormat, preset)
}

// GetDefaultFormat returns the persisted default-format preset,
// "best" when unset.
func (s *Selector) GetDefaultFormat() (string, error) {
	v, err := s.prefs.GetPreference(prefDefaultFormat)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "best", nil
	}
	return v, nil
}

// SetPreferAudioOnly persists the audio-only preference.
func (s *Selector) SetPreferAudioOnly(v bool) error {
	return s.prefs.SetPreference(prefPreferAudioOnly, strconv.FormatBool(v))
}

// GetPreferAudioOnly returns the persisted audio-only preference,
// false when unset.
func (s *Selector) GetPreferAudioOnly() (bool, error) {
	v, err := s.prefs.GetPreference(prefPreferAudioOnly)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func validPreset(preset string) bool {
	for _, p := range DefaultPresets {
		if p == preset {
			return true
		}
	}
	return false
}

// sortVideo ranks video formats: quality descending, then container
// priority, then formats carrying both codecs above video-only ones.
func (s *Selector) sortVideo(formats []backend.VideoFormat) {
	sort.SliceStable(formats, func(i, j int) bool {
		a, b := formats[i], formats[j]
		qa, qb := videoQuality(a), videoQuality(b)
		if qa != qb {
			return qa > qb
		}
		pa, pb := s.videoExtPriority[strings.ToLower(a.Extension)], s.videoExtPriority[strings.ToLower(b.Extension)]
		if pa != pb {
			return pa > pb
		}
		return hasBothCodecs(a) && !hasBothCodecs(b)
	})
}

// sortAudio ranks audio formats: bitrate descending, then container
// priority.
func (s *Selector) sortAudio(formats []backend.VideoFormat) {
	sort.SliceStable(formats, func(i, j int) bool {
		a, b := formats[i], formats[j]
		if a.AudioBitrate != b.AudioBitrate {
			return a.AudioBitrate > b.AudioBitrate
		}
		return s.audioExtPriority[strings.ToLower(a.Extension)] > s.audioExtPriority[strings.ToLower(b.Extension)]
	})
}

func videoQuality(f backend.VideoFormat) int {
	if h := resolutionHeight(f.Resolution); h > 0 {
		return h
	}
	return f.Quality
}

func hasBothCodecs(f backend.VideoFormat) bool {
	return f.VCodec != "" && f.VCodec != "none" && f.ACodec != "" && f.ACodec != "none"
}

// resolutionHeight parses a resolution label such as "1080p" into an
// integer height. Unparsable values rank as 0 and sort last.
func resolutionHeight(res string) int {
	res = strings.TrimSpace(strings.ToLower(res))
	if res == "" {
		return 0
	}
	res = strings.TrimSuffix(res, "p")
	res = strings.TrimSuffix(res, "w")
	n, err := strconv.Atoi(res)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
