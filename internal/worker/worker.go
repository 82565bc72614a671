// Package worker runs one analysis job to completion off the request path,
// publishing a full status snapshot to the job store at every checkpoint.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"

	"github.com/nberk2/tradegate/internal/archive"
	"github.com/nberk2/tradegate/internal/engine"
	"github.com/nberk2/tradegate/internal/fsutil"
	"github.com/nberk2/tradegate/internal/job"
)

// Checkpoint messages, in the order the worker writes them.
const (
	MsgStarting      = "Starting analysis…"
	MsgClearingIndex = "Clearing index…"
	MsgInitializing  = "Initializing agents…"
	MsgAnalyzing     = "Running multi-agent analysis…"
	MsgFormatting    = "Formatting results…"
	MsgComplete      = "Analysis complete"
	MsgFailed        = "Analysis failed"
)

// Archiver persists completed analyses.
type Archiver interface {
	Put(ctx context.Context, ticker, date, result string) (*archive.Record, error)
}

// Notifier is called once with the terminal record of every job.
type Notifier func(ctx context.Context, r *job.Record)

type Worker struct {
	store       job.Store
	archive     Archiver
	resetter    engine.IndexResetter
	newEngine   engine.Factory
	downloadDir string
	storageDir  string
	minEntryLen int
	resetTO     time.Duration
	notify      Notifier
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithMinEntryLength sets the shortest transcript entry kept in reports.
func WithMinEntryLength(n int) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.minEntryLen = n
		}
	}
}

// WithResetTimeout bounds the index reset call. Zero means no bound.
func WithResetTimeout(d time.Duration) Option {
	return func(w *Worker) { w.resetTO = d }
}

func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notify = n }
}

// WithStorageDir sets the directory reported in error diagnostics.
func WithStorageDir(dir string) Option {
	return func(w *Worker) { w.storageDir = dir }
}

func New(store job.Store, arch Archiver, resetter engine.IndexResetter, newEngine engine.Factory, downloadDir string, opts ...Option) *Worker {
	w := &Worker{
		store:       store,
		archive:     arch,
		resetter:    resetter,
		newEngine:   newEngine,
		downloadDir: downloadDir,
		storageDir:  downloadDir,
		minEntryLen: DefaultMinEntryLength,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run executes the analysis for one session. It never returns an error: every
// outcome, including a panic inside a collaborator, ends in exactly one
// terminal record.
func (w *Worker) Run(ctx context.Context, sessionID, ticker, date string) {
	rec := &job.Record{
		SessionID: sessionID,
		Status:    job.StatusRunning,
		Ticker:    job.NormalizeTicker(ticker),
		Date:      date,
		CreatedAt: w.now().UTC(),
	}
	logger := w.logger.With("session_id", sessionID, "ticker", rec.Ticker, "date", date)

	var final *job.Record
	defer func() {
		if p := recover(); p != nil {
			err := errors.Errorf("analysis panicked: %v", p)
			final = w.failed(rec, err, string(debug.Stack()))
		}
		w.finish(ctx, logger, final)
	}()

	result, downloadPath, err := w.execute(ctx, logger, rec)
	if err != nil {
		final = w.failed(rec, err, "")
		return
	}
	final = w.completed(rec, result, downloadPath)
}

func (w *Worker) execute(ctx context.Context, logger *slog.Logger, rec *job.Record) (string, string, error) {
	if err := w.checkpoint(ctx, rec, 10, MsgStarting); err != nil {
		return "", "", err
	}
	logger.Info("analysis started")

	if err := w.checkpoint(ctx, rec, 20, MsgClearingIndex); err != nil {
		return "", "", err
	}
	w.resetIndex(ctx, logger)

	if err := w.checkpoint(ctx, rec, 30, MsgInitializing); err != nil {
		return "", "", err
	}
	eng, err := w.newEngine()
	if err != nil {
		return "", "", errors.Wrap(err, "initialize analysis engine")
	}

	if err := w.checkpoint(ctx, rec, 40, MsgAnalyzing); err != nil {
		return "", "", err
	}
	out, err := eng.Propagate(ctx, rec.Ticker, rec.Date)
	if err != nil {
		return "", "", errors.Wrap(err, "run analysis")
	}
	if out == nil {
		return "", "", errors.New("analysis engine returned no output")
	}

	if err := w.checkpoint(ctx, rec, 90, MsgFormatting); err != nil {
		return "", "", err
	}
	result := Report(rec.Ticker, rec.Date, out, w.minEntryLen, w.now())

	if w.archive != nil {
		if ar, err := w.archive.Put(ctx, rec.Ticker, rec.Date, result); err != nil {
			logger.Error("archive write failed", "error", err)
		} else {
			logger.Info("analysis archived", "archive_key", ar.Key)
		}
	}

	downloadPath, err := w.writeDownload(rec.Ticker, rec.Date, result)
	if err != nil {
		return "", "", errors.Wrap(err, "write download artifact")
	}
	return result, downloadPath, nil
}

func (w *Worker) resetIndex(ctx context.Context, logger *slog.Logger) {
	if w.resetter == nil {
		return
	}
	if w.resetTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.resetTO)
		defer cancel()
	}
	if err := w.resetter.ResetIndex(ctx); err != nil {
		logger.Warn("index reset failed, continuing", "error", err)
	}
}

// checkpoint publishes a running snapshot. Progress values are fixed per step
// and increase monotonically.
func (w *Worker) checkpoint(ctx context.Context, rec *job.Record, progress int, msg string) error {
	rec.Progress = progress
	rec.Message = msg
	rec.UpdatedAt = w.now().UTC()
	if err := w.store.Put(ctx, rec.SessionID, rec); err != nil {
		return errors.Wrapf(err, "record progress %d%%", progress)
	}
	return nil
}

// writeDownload keeps the most recent artifact per ticker and date.
func (w *Worker) writeDownload(ticker, date, result string) (string, error) {
	if err := os.MkdirAll(w.downloadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(w.downloadDir, fsutil.SafeName(ticker)+"_"+fsutil.SafeName(date)+".md")
	if err := fsutil.WriteFileAtomic(path, []byte(result), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Worker) completed(rec *job.Record, result, downloadPath string) *job.Record {
	r := rec.Clone()
	r.Status = job.StatusComplete
	r.Progress = 100
	r.Message = MsgComplete
	r.Result = result
	r.DownloadPath = downloadPath
	r.UpdatedAt = w.now().UTC()
	return r
}

func (w *Worker) failed(rec *job.Record, err error, stack string) *job.Record {
	trace := fmt.Sprintf("%+v", err)
	if stack != "" {
		trace += "\n\n" + stack
	}
	now := w.now().UTC()

	r := rec.Clone()
	r.Status = job.StatusError
	r.Message = MsgFailed
	r.Error = err.Error()
	r.Trace = trace
	r.UpdatedAt = now
	r.Result = ErrorReport(ErrorDetails{
		Ticker:      rec.Ticker,
		Date:        rec.Date,
		Time:        now,
		StoragePath: w.storageDir,
		Err:         r.Error,
		Trace:       trace,
	})
	return r
}

func (w *Worker) finish(ctx context.Context, logger *slog.Logger, final *job.Record) {
	if final == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := w.store.Put(ctx, final.SessionID, final); err != nil {
		logger.Error("terminal status write failed", "status", final.Status, "error", err)
		return
	}
	if final.Status == job.StatusError {
		logger.Error("analysis failed", "error", final.Error)
	} else {
		logger.Info("analysis complete", "download_path", final.DownloadPath)
	}
	if w.notify != nil {
		w.notify(ctx, final.Clone())
	}
}
