// Package controller turns start and status-check requests into views. It never
// waits on a running analysis: starts are handed to a Dispatcher and status
// checks only read the job store.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nberk2/tradegate/internal/archive"
	"github.com/nberk2/tradegate/internal/job"
	"github.com/nberk2/tradegate/internal/queue"
	"github.com/nberk2/tradegate/internal/view"
)

// Dispatcher schedules an analysis without waiting for it.
type Dispatcher interface {
	Submit(ctx context.Context, sessionID, ticker, date string) error
}

// Archive is the read side of the analysis archive.
type Archive interface {
	List(ctx context.Context) ([]archive.Entry, error)
	Text(ctx context.Context, key string) (string, error)
	Get(ctx context.Context, key string) (*archive.Record, error)
}

// DownloadPrefix is the URL path under which download artifacts are served.
const DownloadPrefix = "/api/v1/downloads/"

type Controller struct {
	store      job.Store
	archive    Archive
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func New(store job.Store, arch Archive, d Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		store:      store,
		archive:    arch,
		dispatcher: d,
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartResult is the outcome of StartAnalysis. SessionID is empty when no job
// was scheduled.
type StartResult struct {
	View      view.View
	SessionID string
	Err       error
}

// StartAnalysis validates the request and schedules the analysis. An empty
// date means today.
func (c *Controller) StartAnalysis(ctx context.Context, req job.StartRequest) StartResult {
	if err := req.Validate(); err != nil {
		return StartResult{View: view.InvalidInput("Please enter a ticker symbol."), Err: err}
	}
	ticker := job.NormalizeTicker(req.Ticker)
	date := req.Date
	if date == "" {
		date = c.now().Format(time.DateOnly)
	}

	id := c.newID()
	if err := c.dispatcher.Submit(ctx, id, ticker, date); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			c.logger.Warn("analysis rejected, queue full", "ticker", ticker)
		} else {
			c.logger.Error("dispatch analysis", "ticker", ticker, "error", err)
		}
		return StartResult{View: view.Busy(), Err: err}
	}
	c.logger.Info("analysis scheduled", "session_id", id, "ticker", ticker, "date", date)
	return StartResult{View: view.Started(ticker, id), SessionID: id}
}

// StatusResult is the outcome of CheckStatus. An empty SessionID tells the
// client to stop polling.
type StatusResult struct {
	View      view.View
	Download  view.Download
	SessionID string
	Status    job.Status
	Progress  int
}

func (c *Controller) CheckStatus(ctx context.Context, sessionID string) StatusResult {
	if sessionID == "" {
		return StatusResult{View: view.Idle(), Download: view.Hidden}
	}
	rec, err := c.store.Get(ctx, sessionID)
	if err != nil {
		c.logger.Warn("read job status", "session_id", sessionID, "error", err)
		rec = nil
	}
	return Describe(sessionID, rec)
}

// Describe maps a job record to the status view. A nil record is a job that
// has not written its first snapshot yet.
func Describe(sessionID string, rec *job.Record) StatusResult {
	if rec == nil {
		return StatusResult{View: view.Initializing(), Download: view.Hidden, SessionID: sessionID}
	}
	res := StatusResult{Status: rec.Status, Progress: rec.Progress, Download: view.Hidden}
	switch rec.Status {
	case job.StatusRunning:
		res.View = view.Progress(rec.Progress, rec.Message)
		res.SessionID = sessionID
	case job.StatusComplete:
		res.View = view.Render(rec.Result)
		res.Download = DownloadFor(rec.DownloadPath)
	case job.StatusError:
		res.View = view.Render(rec.Result)
	default:
		res.View = view.Unknown(string(rec.Status))
	}
	return res
}

// DownloadFor exposes a stored artifact path as a download URL.
func DownloadFor(path string) view.Download {
	if path == "" {
		return view.Hidden
	}
	return view.Download{Visible: true, URL: DownloadPrefix + url.PathEscape(filepath.Base(path))}
}

// ListArchive returns archive entries most recent first, or a single
// placeholder entry when there are none.
func (c *Controller) ListArchive(ctx context.Context) []view.ArchiveEntry {
	entries, err := c.archive.List(ctx)
	if err != nil {
		c.logger.Error("list archive", "error", err)
	}
	if len(entries) == 0 {
		return []view.ArchiveEntry{{Label: view.NoAnalysesLabel}}
	}
	out := make([]view.ArchiveEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, view.ArchiveEntry{Label: e.Label(), Key: e.Key})
	}
	return out
}

// LoadArchive returns the stored text for key. On failure the view carries a
// "not found" or "error loading" message and the error is returned for status
// mapping.
func (c *Controller) LoadArchive(ctx context.Context, key string) (view.View, error) {
	text, err := c.archive.Text(ctx, key)
	switch {
	case errors.Is(err, archive.ErrNotFound):
		return view.ArchiveNotFound(key), err
	case err != nil:
		c.logger.Error("load archive", "key", key, "error", err)
		return view.ArchiveError(), err
	}
	return view.Render(text), nil
}

// ArchiveRecord returns the machine-readable record stored for key.
func (c *Controller) ArchiveRecord(ctx context.Context, key string) (*archive.Record, error) {
	rec, err := c.archive.Get(ctx, key)
	if err != nil && !errors.Is(err, archive.ErrNotFound) {
		c.logger.Error("load archive record", "key", key, "error", err)
	}
	return rec, err
}
