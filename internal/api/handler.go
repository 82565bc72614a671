package api

import (
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nberk2/tradegate/internal/archive"
	"github.com/nberk2/tradegate/internal/config"
	"github.com/nberk2/tradegate/internal/controller"
	"github.com/nberk2/tradegate/internal/job"
	"github.com/nberk2/tradegate/internal/queue"
	"github.com/nberk2/tradegate/internal/view"
)

const analysesPath = "/api/v1/analyses"

//go:embed static/index.html
var frontendHTML []byte

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	ctrl         *controller.Controller
	store        job.Store
	downloadDir  string
	version      string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(ctrl *controller.Controller, store job.Store, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctrl:         ctrl,
		store:        store,
		downloadDir:  cfg.DownloadsDir(),
		version:      cfg.Version,
		pollInterval: time.Second,
		logger:       logger,
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.ServeFrontend)
	mux.HandleFunc("POST "+analysesPath, h.StartAnalysis)
	mux.HandleFunc("GET /api/v1/status", h.CheckStatus)
	mux.HandleFunc("GET /api/v1/status/{id}/events", h.StreamStatus)
	mux.HandleFunc("GET /api/v1/archive", h.ListArchive)
	mux.HandleFunc("GET /api/v1/archive/{key}", h.LoadArchive)
	mux.HandleFunc("GET /api/v1/archive/{key}/record", h.ArchiveRecord)
	mux.HandleFunc("GET "+controller.DownloadPrefix+"{name}", h.Download)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// viewResponse is the JSON shape of every view. A null session_id tells the
// client to stop polling.
type viewResponse struct {
	Markdown  string        `json:"markdown"`
	HTML      string        `json:"html"`
	Download  view.Download `json:"download"`
	SessionID *string       `json:"session_id"`
	Status    job.Status    `json:"status,omitempty"`
	Progress  int           `json:"progress,omitempty"`
}

func newViewResponse(v view.View, d view.Download, sessionID string) viewResponse {
	resp := viewResponse{Markdown: v.Markdown, HTML: v.HTML, Download: d}
	if sessionID != "" {
		resp.SessionID = &sessionID
	}
	return resp
}

func statusResponse(res controller.StatusResult) viewResponse {
	resp := newViewResponse(res.View, res.Download, res.SessionID)
	resp.Status = res.Status
	resp.Progress = res.Progress
	return resp
}

// ServeFrontend serves the embedded single-page UI.
func (h *Handler) ServeFrontend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(frontendHTML) //nolint:errcheck
}

// StartAnalysis handles POST /api/v1/analyses and responds 202 with the started view.
func (h *Handler) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req job.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res := h.ctrl.StartAnalysis(r.Context(), req)
	status := http.StatusAccepted
	switch {
	case errors.Is(res.Err, job.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(res.Err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		status = http.StatusServiceUnavailable
	case res.Err != nil:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, newViewResponse(res.View, view.Hidden, res.SessionID))
}

// CheckStatus handles GET /api/v1/status?session_id= and always responds 200.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	res := h.ctrl.CheckStatus(r.Context(), r.URL.Query().Get("session_id"))
	writeJSON(w, http.StatusOK, statusResponse(res))
}

// ListArchive handles GET /api/v1/archive.
func (h *Handler) ListArchive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.ctrl.ListArchive(r.Context())})
}

// LoadArchive handles GET /api/v1/archive/{key}.
func (h *Handler) LoadArchive(w http.ResponseWriter, r *http.Request) {
	v, err := h.ctrl.LoadArchive(r.Context(), r.PathValue("key"))
	status := http.StatusOK
	switch {
	case errors.Is(err, archive.ErrNotFound):
		status = http.StatusNotFound
	case err != nil:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, newViewResponse(v, view.Hidden, ""))
}

// ArchiveRecord handles GET /api/v1/archive/{key}/record.
func (h *Handler) ArchiveRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ctrl.ArchiveRecord(r.Context(), r.PathValue("key"))
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, "analysis not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to load analysis")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// Download handles GET /api/v1/downloads/{name} and serves a report as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".md" {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	f, err := os.Open(filepath.Join(h.downloadDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "download not found")
			return
		}
		h.logger.Error("open download", "path", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open download")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open download")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// Health handles GET /api/v1/health and responds 200 with the version label.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
