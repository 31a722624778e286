package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidfarm/internal/analytics"
	"vidfarm/internal/backend"
	"vidfarm/internal/format"
	"vidfarm/internal/manager"
	"vidfarm/internal/playlist"
	"vidfarm/internal/security"
	"vidfarm/internal/storage"
)

func newTestServer(t *testing.T) (*ControlServer, *manager.Manager) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := manager.New(store, log, 3)
	p := playlist.NewHandler(backend.Nop{}, log)
	sel := format.NewSelector(backend.Nop{}, store)
	stats := analytics.NewStatsManager(store, t.TempDir())
	audit := security.NewAuditLogger(log, t.TempDir())
	t.Cleanup(audit.Close)
	return NewControlServer(m, p, sel, stats, audit, log), m
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:52801"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndList(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/queue", `{"url":"https://v/1","title":"First"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var item storage.QueueItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, item.Position)
	assert.Equal(t, storage.StatusPending, item.Status)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []storage.QueueItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/queue", `{"url":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/queue", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlActions(t *testing.T) {
	s, m := newTestServer(t)
	item, err := m.AddToQueue("https://v/1", "", "", "")
	require.NoError(t, err)

	// Pause before start is refused, not an error.
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/queue/"+item.ID+"/control", `{"action":"pause"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/queue/"+item.ID+"/control", `{"action":"start"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/queue/"+item.ID+"/control", `{"action":"pause"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/queue/"+item.ID+"/control", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/queue/missing/control", `{"action":"start"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReorderEndpoint(t *testing.T) {
	s, m := newTestServer(t)
	a, err := m.AddToQueue("https://v/a", "", "", "")
	require.NoError(t, err)
	_, err = m.AddToQueue("https://v/b", "", "", "")
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/queue/"+a.ID+"/position", `{"position":2}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/queue/"+a.ID+"/position", `{"position":-3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveEndpoint(t *testing.T) {
	s, m := newTestServer(t)
	item, err := m.AddToQueue("https://v/1", "", "", "")
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodDelete, "/v1/queue/"+item.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/v1/queue/"+item.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStateEndpoint(t *testing.T) {
	s, m := newTestServer(t)
	_, err := m.AddToQueue("https://v/1", "", "", "")
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/queue/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state struct {
		Counts        map[string]int64 `json:"counts"`
		Active        int              `json:"active"`
		MaxConcurrent int              `json:"max_concurrent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, int64(1), state.Counts["pending"])
	assert.Equal(t, 3, state.MaxConcurrent)
}

func TestHistoryEndpoints(t *testing.T) {
	s, m := newTestServer(t)
	_, err := m.AddToHistory(storage.HistoryEntry{URL: "https://v/1", Title: "One"})
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/history?search=one", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Entries []storage.HistoryEntry `json:"entries"`
		Total   int64                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Entries, 1)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/history/duplicate?url=https://v/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/history/duplicate?url=https://v/none", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":false`)

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/v1/history/"+page.Entries[0].ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodDelete, "/v1/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	s, m := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPut, "/v1/settings/max-concurrent", `{"value":99}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_concurrent":5`)
	assert.Equal(t, 5, m.MaxConcurrent())

	rec = doJSON(t, s.Handler(), http.MethodPut, "/v1/settings/default-format", `{"preset":"720p"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPut, "/v1/settings/default-format", `{"preset":"4k"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFormatsEndpointRequiresURL(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/formats", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The Nop backend refuses extraction; the gateway reports it.
	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/formats?url=https://v/1", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPlaylistCheckEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/playlist/check?url=https://v/playlist%3Flist%3Dabc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"playlist":true`)
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExternalAccessForbidden(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s, m := newTestServer(t)
	_, err := m.AddToHistory(storage.HistoryEntry{URL: "https://v/1", FileSize: 77})
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap analytics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TotalFiles)
	assert.Equal(t, int64(77), snap.TotalBytes)
}

func TestAuditEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// A prior request leaves an audit record behind.
	doJSON(t, s.Handler(), http.MethodGet, "/v1/status", "")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []security.AccessLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)
	assert.Equal(t, "127.0.0.1", entries[0].SourceIP)
}
