// Package api exposes the queue over a loopback-only HTTP control
// surface for local tooling and scripting.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vidfarm/internal/analytics"
	"vidfarm/internal/errdefs"
	"vidfarm/internal/format"
	"vidfarm/internal/manager"
	"vidfarm/internal/playlist"
	"vidfarm/internal/security"
)

// ControlServer serves the local HTTP API. It binds to the loopback
// interface only; this is a single-user control channel, not a public
// service.
type ControlServer struct {
	manager  *manager.Manager
	playlist *playlist.Handler
	selector *format.Selector
	stats    *analytics.StatsManager
	audit    *security.AuditLogger
	log      *slog.Logger
	router   *chi.Mux
	srv      *http.Server
}

// NewControlServer wires the API routes.
func NewControlServer(m *manager.Manager, p *playlist.Handler, sel *format.Selector, stats *analytics.StatsManager, audit *security.AuditLogger, log *slog.Logger) *ControlServer {
	s := &ControlServer{
		manager:  m,
		playlist: p,
		selector: sel,
		stats:    stats,
		audit:    audit,
		log:      log,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, used by tests.
func (s *ControlServer) Handler() http.Handler {
	return s.router
}

// Start binds the loopback listener and serves in the background.
func (s *ControlServer) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server failed to bind: %w", err)
	}
	s.log.Info("control server listening", "addr", addr)

	s.srv = &http.Server{Handler: s.router}
	go func() {
		if err := s.srv.Serve(conn); err != nil && err != http.ErrServerClosed {
			s.log.Error("control server stopped", "error", err)
		}
	}()
	return nil
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/queue", s.handleAddToQueue)
		r.Get("/queue", s.handleGetQueue)
		r.Get("/queue/state", s.handleQueueState)
		r.Delete("/queue/completed", s.handleClearCompleted)
		r.Get("/queue/{id}", s.handleGetItem)
		r.Delete("/queue/{id}", s.handleRemove)
		r.Post("/queue/{id}/control", s.handleControl)
		r.Post("/queue/{id}/position", s.handleReorder)

		r.Get("/history", s.handleGetHistory)
		r.Get("/history/duplicate", s.handleCheckDuplicate)
		r.Delete("/history", s.handleClearHistory)
		r.Delete("/history/{id}", s.handleRemoveHistory)

		r.Get("/formats", s.handleGetFormats)
		r.Get("/playlist/check", s.handleIsPlaylist)

		r.Put("/settings/max-concurrent", s.handleSetMaxConcurrent)
		r.Put("/settings/default-format", s.handleSetDefaultFormat)

		r.Get("/stats", s.handleStats)
		r.Get("/audit", s.handleAuditLog)
		r.Get("/status", s.handleStatus)
	})
}

// securityMiddleware enforces loopback-only access and records every
// request in the audit trail. Binding to 127.0.0.1 already keeps
// external traffic out; this is a second layer for misconfigured
// proxies.
func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		action := r.Method + " " + r.URL.Path

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusForbidden, "external access denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusOK, "")
		next.ServeHTTP(w, r)
	})
}

// writeError maps the error taxonomy onto HTTP statuses: malformed
// input is 400, infrastructure failures 500.
func (s *ControlServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errdefs.IsValidation(err) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeRefused reports an operation the state machine or the gate
// would not allow. Distinct from an error so pollers can treat it as
// an ordinary outcome.
func writeRefused(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusConflict, map[string]string{"refused": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type enqueueRequest struct {
	URL        string `json:"url"`
	OutputPath string `json:"output_path"`
	FormatID   string `json:"format_id"`
	Title      string `json:"title"`
}

func (s *ControlServer) handleAddToQueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	item, err := s.manager.AddToQueue(req.URL, req.OutputPath, req.FormatID, req.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *ControlServer) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	includeCompleted := r.URL.Query().Get("include_completed") == "true"
	items, err := s.manager.GetQueue(includeCompleted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *ControlServer) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, found, err := s.manager.GetItem(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type controlRequest struct {
	Action  string `json:"action"` // start, pause, resume, cancel, retry
	Cleanup *bool  `json:"cleanup,omitempty"`
}

func (s *ControlServer) handleControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	var (
		ok  bool
		err error
	)
	switch req.Action {
	case "start":
		ok, err = s.manager.StartDownload(id)
	case "pause":
		ok, err = s.manager.PauseDownload(id)
	case "resume":
		ok, err = s.manager.ResumeDownload(id)
	case "cancel":
		cleanup := true
		if req.Cleanup != nil {
			cleanup = *req.Cleanup
		}
		ok, err = s.manager.CancelDownload(id, cleanup)
	case "retry":
		ok, err = s.manager.RetryFailed(id)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action " + req.Action})
		return
	}

	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeRefused(w, req.Action+" is not possible for this item right now")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

type reorderRequest struct {
	Position int `json:"position"`
}

func (s *ControlServer) handleReorder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	ok, err := s.manager.ReorderQueue(id, req.Position)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeRefused(w, "item not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *ControlServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	ok, err := s.manager.RemoveFromQueue(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "removed"})
}

func (s *ControlServer) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.ClearCompleted()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *ControlServer) handleQueueState(w http.ResponseWriter, r *http.Request) {
	counts, err := s.manager.QueueState()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":         counts,
		"active":         s.manager.ActiveCount(),
		"max_concurrent": s.manager.MaxConcurrent(),
	})
}

func (s *ControlServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	search := q.Get("search")

	entries, err := s.manager.GetHistory(search, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.manager.GetHistoryCount(search)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (s *ControlServer) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url parameter is required"})
		return
	}
	entry, found, err := s.manager.CheckDuplicate(url)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]bool{"duplicate": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicate": true, "entry": entry})
}

func (s *ControlServer) handleRemoveHistory(w http.ResponseWriter, r *http.Request) {
	ok, err := s.manager.RemoveFromHistory(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "removed"})
}

func (s *ControlServer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.ClearHistory()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *ControlServer) handleGetFormats(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url parameter is required"})
		return
	}
	formats, err := s.selector.GetAvailableFormats(r.Context(), url)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, formats)
}

func (s *ControlServer) handleIsPlaylist(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url parameter is required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"playlist": s.playlist.IsPlaylist(r.Context(), url),
	})
}

type maxConcurrentRequest struct {
	Value int `json:"value"`
}

func (s *ControlServer) handleSetMaxConcurrent(w http.ResponseWriter, r *http.Request) {
	var req maxConcurrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	applied := s.manager.SetMaxConcurrent(req.Value)
	writeJSON(w, http.StatusOK, map[string]int{"max_concurrent": applied})
}

type defaultFormatRequest struct {
	Preset string `json:"preset"`
}

func (s *ControlServer) handleSetDefaultFormat(w http.ResponseWriter, r *http.Request) {
	var req defaultFormatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.selector.SetDefaultFormat(req.Preset); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"default_format": req.Preset})
}

func (s *ControlServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetSnapshot())
}

func (s *ControlServer) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, s.audit.GetRecentLogs(limit))
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// Shutdown drains in-flight requests and closes the listener.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
