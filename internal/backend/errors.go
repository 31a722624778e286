package backend

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes a backend failure so callers can choose user
// wording without string matching.
type ErrorKind string

const (
	KindUnavailable      ErrorKind = "unavailable"       // private, deleted, region-locked
	KindUnsupported      ErrorKind = "unsupported"       // no extractor for this URL
	KindExtractorFailure ErrorKind = "extractor_failure" // page structure changed
	KindNetwork          ErrorKind = "network"
	KindTimeout          ErrorKind = "timeout"
	KindAccessDenied     ErrorKind = "access_denied" // 403-equivalent
	KindRateLimited      ErrorKind = "rate_limited"  // 429-equivalent
	KindDiskFull         ErrorKind = "disk_full"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindGeneric          ErrorKind = "generic"
)

// DownloadError is a categorized backend failure. The category is
// preserved through wrapping so the presentation layer can pick
// per-kind messaging.
type DownloadError struct {
	Kind ErrorKind
	URL  string
	Msg  string
	Err  error
}

func (e *DownloadError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.URL)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// NewDownloadError builds a categorized backend failure.
func NewDownloadError(kind ErrorKind, url, msg string, err error) *DownloadError {
	return &DownloadError{Kind: kind, URL: url, Msg: msg, Err: err}
}

// KindOf extracts the category from err, or KindGeneric when err is
// not a DownloadError.
func KindOf(err error) ErrorKind {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindGeneric
}
